package predictor

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/drone-runners/drone-autoscaler/types"
)

// ConfigDiff describes the difference between two predictor
// configuration lists, keyed by predictor id.
type ConfigDiff struct {
	Added     []string
	Deleted   []string
	Modified  []string
	Unchanged []string
}

// Empty returns true if applying the diff changes nothing.
func (d ConfigDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Modified) == 0
}

// Diff compares two configuration lists. Added, modified and
// unchanged ids follow the order of next; deleted ids follow the
// order of prev.
func Diff(prev, next []types.PredictorConfig) ConfigDiff {
	var diff ConfigDiff

	prevByID := make(map[string]types.PredictorConfig, len(prev))
	for _, c := range prev {
		prevByID[c.ID] = c
	}
	nextIDs := make(map[string]bool, len(next))

	for _, c := range next {
		nextIDs[c.ID] = true
		old, ok := prevByID[c.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, c.ID)
		case configEqual(old, c):
			diff.Unchanged = append(diff.Unchanged, c.ID)
		default:
			diff.Modified = append(diff.Modified, c.ID)
		}
	}
	for _, c := range prev {
		if !nextIDs[c.ID] {
			diff.Deleted = append(diff.Deleted, c.ID)
		}
	}
	return diff
}

func configEqual(a, b types.PredictorConfig) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}
