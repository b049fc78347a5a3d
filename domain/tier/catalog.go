package tier

import (
	"fmt"
	"sync/atomic"
)

// Catalog is a read-only view of tier limits. Snapshots are immutable and
// swapped atomically, so readers never lock.
type Catalog struct {
	snap atomic.Pointer[map[Name]Limit]
}

// NewCatalog creates a catalog from validated limits.
func NewCatalog(limits []Limit) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(limits); err != nil {
		return nil, err
	}
	return c, nil
}

// MustDefaultCatalog returns a catalog seeded with DefaultLimits.
func MustDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultLimits())
	if err != nil {
		panic(err)
	}
	return c
}

// Replace swaps in a new snapshot. The old snapshot is kept on error.
func (c *Catalog) Replace(limits []Limit) error {
	if err := Validate(limits); err != nil {
		return err
	}
	m := make(map[Name]Limit, len(limits))
	for _, l := range limits {
		l.AllowedAgents = append([]string(nil), l.AllowedAgents...)
		m[l.Name] = l
	}
	c.snap.Store(&m)
	return nil
}

// GetLimits returns the limits for a tier.
func (c *Catalog) GetLimits(n Name) (Limit, error) {
	m := *c.snap.Load()
	l, ok := m[n]
	if !ok {
		return Limit{}, fmt.Errorf("%w: %q", ErrUnknownTier, n)
	}
	return l, nil
}

// AllowsAgent reports whether tier n grants agent a. Unknown tiers grant nothing.
func (c *Catalog) AllowsAgent(n Name, a Agent) bool {
	l, err := c.GetLimits(n)
	if err != nil {
		return false
	}
	return l.AllowsAgent(a)
}

// List returns all limits ordered by AllNames.
func (c *Catalog) List() []Limit {
	m := *c.snap.Load()
	out := make([]Limit, 0, len(m))
	for _, n := range AllNames() {
		if l, ok := m[n]; ok {
			out = append(out, l)
		}
	}
	return out
}
