package ledger

import (
	"context"
	"sync"
)

type InMemoryLedger struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryLedger(seed ...Record) *InMemoryLedger {
	return &InMemoryLedger{records: append([]Record(nil), seed...)}
}

func (l *InMemoryLedger) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *InMemoryLedger) Scan(ctx context.Context, fn func(Record) error) (ScanStats, error) {
	records := l.Records()
	var stats ScanStats
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++
		if err := fn(record); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Records returns a copy of everything appended so far.
func (l *InMemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

func (l *InMemoryLedger) Close() error {
	return nil
}
