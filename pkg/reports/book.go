package reports

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/vango-go/shellie/pkg/metrics"
)

// Book is the report sink the session writes to and the dashboard reads.
type Book struct {
	store   Store
	archive Archive
	hub     *Hub
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type BookConfig struct {
	Store   Store   // defaults to a MemoryStore
	Archive Archive // optional
	Hub     *Hub    // defaults to a fresh Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewBook(cfg BookConfig) *Book {
	b := &Book{
		store:   cfg.Store,
		archive: cfg.Archive,
		hub:     cfg.Hub,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	if b.hub == nil {
		b.hub = NewHub()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Book) Hub() *Hub { return b.hub }

// Add records r and notifies live subscribers.
func (b *Book) Add(ctx context.Context, r Report) error {
	if err := b.store.Add(ctx, r); err != nil {
		b.metrics.RecordError("reports", "store")
		return err
	}
	b.metrics.RecordReport(string(r.Severity))
	b.logger.Info("safety report raised", "report_id", r.ID, "severity", r.Severity, "matches", r.Matches)
	b.hub.Publish(Event{Type: EventReport, Report: &r})
	return nil
}

func (b *Book) List(ctx context.Context) ([]Report, error) {
	return b.store.List(ctx)
}

// Archive moves every current report to the archive and clears the list.
// Without an archive the list is simply cleared. If archiving fails the
// reports are put back.
func (b *Book) Archive(ctx context.Context) (int, error) {
	removed, err := b.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	if b.archive != nil && len(removed) > 0 {
		if err := b.archive.Archive(ctx, removed); err != nil {
			b.metrics.RecordError("reports", "archive")
			b.restore(ctx, removed)
			return 0, fmt.Errorf("archive reports: %w", err)
		}
	}
	b.hub.Publish(Event{Type: EventCleared, Cleared: len(removed)})
	return len(removed), nil
}

// restore puts removed back, merged by timestamp with anything added while
// the archive call was running, so the list stays newest first.
func (b *Book) restore(ctx context.Context, removed []Report) {
	arrived, err := b.store.Clear(ctx)
	if err != nil {
		b.logger.Error("collect reports added during archive", "error", err)
		arrived = nil
	}
	all := append(slices.Clone(removed), arrived...)
	slices.SortStableFunc(all, newestFirst)
	for _, r := range slices.Backward(all) {
		if err := b.store.Add(ctx, r); err != nil {
			b.logger.Error("restore report after failed archive", "report_id", r.ID, "error", err)
		}
	}
}

func newestFirst(a, b Report) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}
