package audit

import (
	"context"
	"sync"
)

// MemoryLog is an in-process Recorder. Stores that keep their state in memory
// append to it while holding their own lock, which gives the same
// commit-together guarantee as a shared database transaction.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	failure error
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// FailWith makes every subsequent append return err; nil restores the log.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failure = err
}

// Check reports whether an append would currently succeed.
func (l *MemoryLog) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

func (l *MemoryLog) Append(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failure != nil {
		return l.failure
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *MemoryLog) Record(_ context.Context, entry Entry) error {
	return l.Append(entry)
}

func (l *MemoryLog) List(_ context.Context, filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, entry := range l.entries {
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.RunID != "" && entry.RunID != filter.RunID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		out = append(out, entry)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (l *MemoryLog) Count(ctx context.Context, filter Filter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	entries, err := l.List(ctx, filter)
	return len(entries), err
}
