// Package cellstore persists cell ownership and answers spatial range queries.
//
// Every backend keeps one record per owned cell keyed by (x, y). Apply is the
// only conditional write: it checks current owners and writes the accepted
// cells in one transaction, so a batch is never partially visible.
package cellstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pixelcanvas.ai/internal/canvas"
)

var errClosed = errors.New("store closed")

// Policy selects how Apply treats conflicting cells. Flags combine.
type Policy uint8

const (
	// AllOrNothing persists nothing when any cell conflicts.
	AllOrNothing Policy = 0
	// ApplyValid persists the non-conflicting subset.
	ApplyValid Policy = 1 << 0
	// AllowReclaim lets an actor overwrite cells it already holds.
	AllowReclaim Policy = 1 << 1
)

func (p Policy) Has(f Policy) bool { return p&f != 0 }

type Batch struct {
	Actor  string
	Cells  []canvas.Cell
	Now    time.Time
	Policy Policy
}

type Result struct {
	Applied  []canvas.Cell
	Failures []canvas.CellFailure
}

type GroupCount struct {
	Group  string  `json:"group"`
	Cells  int     `json:"cells"`
	Owners int     `json:"owners"`
	Share  float64 `json:"share"`
}

type Store interface {
	// RangeQuery returns owned cells inside r ordered by (y, x).
	RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error)
	Get(ctx context.Context, c canvas.Coord) (canvas.Cell, bool, error)
	Apply(ctx context.Context, b Batch) (Result, error)
	// Upsert writes cells unconditionally in one transaction.
	Upsert(ctx context.Context, cells []canvas.Cell) error
	GroupCounts(ctx context.Context) ([]GroupCount, error)
	Count(ctx context.Context) (int, error)
	// Reset deletes every cell and returns how many were removed.
	Reset(ctx context.Context) (int, error)
	Close() error
}

// Classify splits a batch into accepted cells and conflicts given the current
// holders of the target coordinates. Backends call it inside their transaction.
func Classify(b Batch, current map[canvas.Coord]canvas.Cell) Result {
	var res Result
	for _, c := range b.Cells {
		if cur, ok := current[c.Coord()]; ok && cur.Held(b.Now) {
			if !(b.Policy.Has(AllowReclaim) && cur.Owner == b.Actor) {
				res.Failures = append(res.Failures, canvas.ConflictFailure(c.Coord(), cur.Owner))
				continue
			}
		}
		res.Applied = append(res.Applied, c)
	}
	return res
}

// Reject reports whether the classified batch must be dropped entirely.
func (r Result) Reject(p Policy) bool {
	return len(r.Failures) > 0 && !p.Has(ApplyValid)
}

// Outcome turns a classification into Apply's return values.
func Outcome(r Result, p Policy) (Result, error) {
	if r.Reject(p) {
		return Result{Failures: r.Failures}, &canvas.BatchError{Failures: r.Failures}
	}
	return r, nil
}

// Unavailable marks a backend error as transient for callers.
func Unavailable(op string, err error) error {
	return fmt.Errorf("cellstore %s: %w: %w", op, canvas.ErrTransientFetch, err)
}

// Shares fills Share and sorts by cells desc, then group.
func Shares(counts []GroupCount) []GroupCount {
	total := 0
	for _, c := range counts {
		total += c.Cells
	}
	for i := range counts {
		if total > 0 {
			counts[i].Share = float64(counts[i].Cells) / float64(total)
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Cells != counts[j].Cells {
			return counts[i].Cells > counts[j].Cells
		}
		return counts[i].Group < counts[j].Group
	})
	return counts
}
