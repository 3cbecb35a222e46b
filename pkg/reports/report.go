// Package reports keeps the teacher-facing record of safety concerns raised
// during conversations.
package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/shellie/pkg/safety"
)

// Report is one dangerous utterance. Reports are immutable once created.
type Report struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	ChildMessage string          `json:"child_message"`
	Severity     safety.Severity `json:"severity"`
	Matches      []string        `json:"matches,omitempty"`
	Student      string          `json:"student,omitempty"`
}

// New builds a report for text that the classifier flagged. IDs are UUIDv7,
// so they sort by creation time.
func New(at time.Time, text string, verdict safety.Verdict, student string) (Report, error) {
	if !verdict.Dangerous {
		return Report{}, fmt.Errorf("verdict is not dangerous")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Report{}, fmt.Errorf("generate report id: %w", err)
	}
	return Report{
		ID:           id.String(),
		Timestamp:    at.UTC(),
		ChildMessage: text,
		Severity:     verdict.Severity,
		Matches:      verdict.Matches,
		Student:      student,
	}, nil
}

// Store holds the live report list.
type Store interface {
	Add(ctx context.Context, r Report) error
	// List returns reports newest first.
	List(ctx context.Context) ([]Report, error)
	// Clear removes and returns every report, newest first.
	Clear(ctx context.Context) ([]Report, error)
}

// Archive keeps cleared reports for later review.
type Archive interface {
	Archive(ctx context.Context, reports []Report) error
}
