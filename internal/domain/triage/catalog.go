package triage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Catalog is an immutable snapshot of the tier and typology reference data.
type Catalog struct {
	tiers      []*Tier // most urgent first
	byName     map[string]*Tier
	byLevel    map[Urgency]*Tier
	typologies map[string]*Typology
	screening  []string
}

// NewCatalog validates reference data and orders tiers by urgency.
func NewCatalog(tiers []*Tier, typologies []*Typology) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier catalog is empty: %w", ErrNotFound)
	}
	c := &Catalog{
		byName:     make(map[string]*Tier, len(tiers)),
		byLevel:    make(map[Urgency]*Tier, len(tiers)),
		typologies: make(map[string]*Typology, len(typologies)),
	}
	for _, t := range tiers {
		u, err := ParseUrgency(t.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byLevel[u]; dup {
			return nil, fmt.Errorf("tier %s configured twice: %w", t.Name, ErrInvalidArgument)
		}
		if t.ScoreRangeStart > t.ScoreRangeEnd {
			return nil, fmt.Errorf("tier %s has inverted range [%v, %v]: %w", t.Name, t.ScoreRangeStart, t.ScoreRangeEnd, ErrInvalidArgument)
		}
		c.byName[t.Name] = t
		c.byLevel[u] = t
		c.tiers = append(c.tiers, t)
	}
	sort.Slice(c.tiers, func(i, j int) bool {
		return mustUrgency(c.tiers[i].Name) > mustUrgency(c.tiers[j].Name)
	})

	for _, ty := range typologies {
		if ty.AdministrationPeriodDays <= 0 {
			return nil, fmt.Errorf("typology %s has non-positive period: %w", ty.Name, ErrInvalidArgument)
		}
		c.typologies[ty.Name] = ty
		if ty.Screening {
			c.screening = append(c.screening, ty.Name)
		}
	}
	sort.Strings(c.screening)
	return c, nil
}

func mustUrgency(name string) Urgency {
	u, _ := ParseUrgency(name)
	return u
}

// Tiers returns the tiers ordered most urgent first.
func (c *Catalog) Tiers() []*Tier { return c.tiers }

// Tier looks a tier up by name.
func (c *Catalog) Tier(name string) (*Tier, error) {
	t, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("tier %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Typology looks a typology up by name.
func (c *Catalog) Typology(name string) (*Typology, error) {
	t, ok := c.typologies[name]
	if !ok {
		return nil, fmt.Errorf("typology %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Screening returns the names of the typologies required for a score.
func (c *Catalog) Screening() []string { return c.screening }

// leastUrgent returns the configured tier lowest in the order.
func (c *Catalog) leastUrgent() *Tier { return c.tiers[len(c.tiers)-1] }

// catalogCache holds a Catalog for ttl. Concurrent reloads collapse into one
// query pair.
type catalogCache struct {
	tiers      TierRepository
	typologies TypologyRepository
	ttl        time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	current  *Catalog
	loadedAt time.Time
	group    singleflight.Group
}

func newCatalogCache(tiers TierRepository, typologies TypologyRepository, ttl time.Duration, now func() time.Time) *catalogCache {
	return &catalogCache{tiers: tiers, typologies: typologies, ttl: ttl, now: now}
}

func (c *catalogCache) Get(ctx context.Context) (*Catalog, error) {
	c.mu.RLock()
	cur, loadedAt := c.current, c.loadedAt
	c.mu.RUnlock()
	if cur != nil && c.now().Sub(loadedAt) < c.ttl {
		return cur, nil
	}

	v, err, _ := c.group.Do("catalog", func() (interface{}, error) {
		tiers, err := c.tiers.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tiers: %w", err)
		}
		typologies, err := c.typologies.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("load typologies: %w", err)
		}
		cat, err := NewCatalog(tiers, typologies)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current, c.loadedAt = cat, c.now()
		c.mu.Unlock()
		return cat, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// Invalidate drops the cached snapshot so the next Get reloads.
func (c *catalogCache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
