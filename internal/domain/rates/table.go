package rates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider resolves the configuration active for an employee on a date.
type Provider interface {
	ActiveConfig(ctx context.Context, employeeID string, asOf time.Time) (Configuration, error)
}

// Table is an in-memory rate table kept ordered by EffectiveFrom per employee.
type Table struct {
	mu         sync.RWMutex
	byEmployee map[string][]Configuration
}

func NewTable() *Table {
	return &Table{byEmployee: map[string][]Configuration{}}
}

func (t *Table) Add(cfg Configuration) (Configuration, error) {
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.byEmployee[cfg.EmployeeID]
	if err := CheckOverlap(existing, cfg); err != nil {
		return Configuration{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	existing = append(existing, cfg)
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].EffectiveFrom.Before(existing[j].EffectiveFrom)
	})
	t.byEmployee[cfg.EmployeeID] = existing
	return cfg, nil
}

func (t *Table) ActiveConfig(_ context.Context, employeeID string, asOf time.Time) (Configuration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, cfg := range t.byEmployee[employeeID] {
		if cfg.Contains(asOf) {
			return cfg, nil
		}
	}
	return Configuration{}, ErrNotFound
}

func (t *Table) List(employeeID string) []Configuration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Configuration, len(t.byEmployee[employeeID]))
	copy(out, t.byEmployee[employeeID])
	return out
}

// Create adds cfg; it mirrors Store.Create for callers that keep rates in
// memory.
func (t *Table) Create(_ context.Context, cfg Configuration) (Configuration, error) {
	return t.Add(cfg)
}

func (t *Table) ListForEmployee(_ context.Context, employeeID string) ([]Configuration, error) {
	return t.List(employeeID), nil
}
