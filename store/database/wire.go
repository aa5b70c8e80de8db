// Copyright 2021 Harness Inc. All rights reserved.
// Use of this source code is governed by the Polyform Free Trial License
// that can be found in the LICENSE.md file for this repository.

package database

import (
	"github.com/google/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/drone-runners/drone-autoscaler/store"
	"github.com/drone-runners/drone-autoscaler/store/database/ldb"
)

// WireSet provides a wire set for this package
var WireSet = wire.NewSet(
	ProvideDatabase,
	ProvideEventStore,
)

// ProvideDatabase provides a database connection.
func ProvideDatabase(path string) (*leveldb.DB, error) {
	return Connect(path)
}

// ProvideEventStore provides an event store.
func ProvideEventStore(db *leveldb.DB) store.EventStore {
	return ldb.NewEventStore(db)
}
