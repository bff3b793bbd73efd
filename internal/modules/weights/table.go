// Package weights holds the target allocation table across yield sources.
package weights

import (
	"fmt"

	"github.com/aristath/vault/internal/domain"
)

// Total is the exact sum every valid weight vector must reach.
const Total = domain.BasisPoints

// Table maps each registered source to its target weight in basis points.
// Registration order is preserved and drives distribution order.
type Table struct {
	entries []domain.Allocation
	index   map[domain.SourceID]int
}

// NewTable registers the given sources with their initial weights.
func NewTable(initial []domain.Allocation) (*Table, error) {
	t := &Table{index: make(map[domain.SourceID]int, len(initial))}
	for _, a := range initial {
		if a.Source == "" {
			return nil, fmt.Errorf("source id must not be empty")
		}
		if _, dup := t.index[a.Source]; dup {
			return nil, fmt.Errorf("source %s registered twice", a.Source)
		}
		t.index[a.Source] = len(t.entries)
		t.entries = append(t.entries, domain.Allocation{Source: a.Source})
	}
	if err := t.Set(initial); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks a weight vector against the registered sources without applying it.
// Sources omitted from the vector are treated as zero weight.
func (t *Table) Validate(allocs []domain.Allocation) error {
	seen := make(map[domain.SourceID]struct{}, len(allocs))
	sum := 0
	for _, a := range allocs {
		if _, ok := t.index[a.Source]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownSource, a.Source)
		}
		if _, dup := seen[a.Source]; dup {
			return fmt.Errorf("%w: %s listed twice", domain.ErrInvalidWeightSum, a.Source)
		}
		seen[a.Source] = struct{}{}
		sum += int(a.Weight)
	}
	if sum != Total {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidWeightSum, sum)
	}
	return nil
}

// Set replaces the weight vector after validating it.
func (t *Table) Set(allocs []domain.Allocation) error {
	if err := t.Validate(allocs); err != nil {
		return err
	}
	for i := range t.entries {
		t.entries[i].Weight = 0
	}
	for _, a := range allocs {
		t.entries[t.index[a.Source]].Weight = a.Weight
	}
	return nil
}

// Weight returns the weight of a single source
func (t *Table) Weight(id domain.SourceID) (uint16, error) {
	i, ok := t.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownSource, id)
	}
	return t.entries[i].Weight, nil
}

// Has reports whether id is registered
func (t *Table) Has(id domain.SourceID) bool {
	_, ok := t.index[id]
	return ok
}

// Entries returns a copy of the table in registration order
func (t *Table) Entries() []domain.Allocation {
	out := make([]domain.Allocation, len(t.entries))
	copy(out, t.entries)
	return out
}

// Active returns the entries with a non-zero weight
func (t *Table) Active() []domain.Allocation {
	var out []domain.Allocation
	for _, e := range t.entries {
		if e.Weight > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Sources returns the registered source ids in order
func (t *Table) Sources() []domain.SourceID {
	out := make([]domain.SourceID, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Source
	}
	return out
}

// Sum returns the current weight total
func (t *Table) Sum() int {
	sum := 0
	for _, e := range t.entries {
		sum += int(e.Weight)
	}
	return sum
}

// Split divides amount across the active entries by weight. Each share is
// floored; the undistributed remainder is returned separately and is
// strictly less than the number of active entries.
func (t *Table) Split(amount domain.Amount) ([]domain.Allocation, []domain.Amount, domain.Amount) {
	active := t.Active()
	parts := make([]domain.Amount, len(active))
	allocated := domain.Zero
	for i, e := range active {
		parts[i] = domain.MulBps(amount, uint64(e.Weight))
		allocated = allocated.Add(parts[i])
	}
	return active, parts, amount.Sub(allocated)
}
