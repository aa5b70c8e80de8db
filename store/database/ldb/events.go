package ldb

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/drone-runners/drone-autoscaler/store"
	"github.com/drone-runners/drone-autoscaler/types"
)

var _ store.EventStore = (*EventStore)(nil)

// keys sort by timestamp: prefix, zero padded unix nanoseconds, id.
const keyPrefix = "evt-"

func NewEventStore(db *leveldb.DB) *EventStore {
	return &EventStore{db}
}

type EventStore struct {
	db *leveldb.DB
}

func timeKey(ts time.Time) string {
	return fmt.Sprintf("%s%020d", keyPrefix, ts.UnixNano())
}

func (s EventStore) getKey(event *types.Event) string {
	return timeKey(event.Timestamp) + "-" + event.ID
}

func (s EventStore) Create(_ context.Context, event *types.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	var data bytes.Buffer
	if err := gob.NewEncoder(&data).Encode(event); err != nil {
		return err
	}
	return s.db.Put([]byte(s.getKey(event)), data.Bytes(), nil)
}

// List returns the matching events, oldest first. With a limit, the
// newest matching events are returned.
func (s EventStore) List(_ context.Context, query *types.EventQuery) ([]*types.Event, error) {
	if query == nil {
		query = new(types.EventQuery)
	}
	r := util.BytesPrefix([]byte(keyPrefix))
	if !query.Since.IsZero() {
		r.Start = []byte(timeKey(query.Since))
	}
	if !query.Until.IsZero() {
		r.Limit = []byte(timeKey(query.Until.Add(time.Nanosecond)))
	}

	events := make([]*types.Event, 0)
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()
	for ok := iter.Last(); ok; ok = iter.Prev() {
		event := new(types.Event)
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(event); err != nil {
			return nil, err
		}
		if !satisfy(event, query) {
			continue
		}
		events = append(events, event)
		if query.Limit > 0 && len(events) == query.Limit {
			break
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// DeleteOlderThan removes the events recorded before the cutoff, in
// unix seconds, and returns how many were removed.
func (s EventStore) DeleteOlderThan(_ context.Context, cutoff int64) (int64, error) {
	r := &util.Range{
		Start: []byte(keyPrefix),
		Limit: []byte(timeKey(time.Unix(cutoff, 0))),
	}
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(r, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return int64(batch.Len()), nil
}

func satisfy(event *types.Event, query *types.EventQuery) bool {
	if query.Kind != "" && event.Kind != query.Kind {
		return false
	}
	if query.Name != "" && event.Name != query.Name {
		return false
	}
	return true
}
