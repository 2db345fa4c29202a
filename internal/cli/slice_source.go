package cli

import (
	"context"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/unit"
)

// sliceSource replays a fixed, pre-materialized slice of units as an
// adapter.Source, preserving each unit's original Idx. The driver
// uses it twice: to drive a --preview sample before committing to a
// full run, and to drive the remaining (unprocessed, and optionally
// failed) units on `resume` (spec.md §6.1).
type sliceSource struct {
	units []unit.Unit
	pos   int
}

var _ adapter.Source = (*sliceSource)(nil)

func newSliceSource(units []unit.Unit) *sliceSource {
	return &sliceSource{units: units}
}

func (s *sliceSource) Next(ctx context.Context) (unit.Unit, bool, error) {
	if ctx.Err() != nil {
		return unit.Unit{}, false, ctx.Err()
	}
	if s.pos >= len(s.units) {
		return unit.Unit{}, false, nil
	}
	u := s.units[s.pos]
	s.pos++
	return u, true, nil
}

func (s *sliceSource) Schema(ctx context.Context) ([]string, error) { return nil, nil }

func (s *sliceSource) Close() error { return nil }

// readAll drains src into a slice, preserving order and original Idx.
func readAll(ctx context.Context, src adapter.Source) ([]unit.Unit, error) {
	var out []unit.Unit
	for {
		u, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, u)
	}
}
