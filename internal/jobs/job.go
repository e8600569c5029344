// Package jobs runs fire-and-forget background work detached from request
// lifetimes.
//
// A job carries its identity as an explicit identity.JobContext value. The
// coordinator binds it to a fresh context derived from its own base context
// for the duration of the job and cancels that context afterwards, so
// nothing from the submitting request (deadline, cancellation, values)
// reaches the job.
package jobs

import (
	"context"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Kind names a job type.
type Kind string

const (
	// KindPersistMemory stores a memorable fact about the user.
	KindPersistMemory Kind = "persist_memory"

	// KindRefreshNarrative regenerates the user's cached narrative.
	KindRefreshNarrative Kind = "refresh_narrative"
)

// Job is a unit of background work. Jobs are never retried or persisted.
type Job struct {
	ID         string
	Kind       Kind
	JobContext identity.JobContext
	Payload    interface{}

	// parent is the submitting span, linked from the job span.
	parent trace.SpanContext
}

// New creates a job. ctx is only read for the current span so the job's
// trace can link back to the request; it is not retained.
func New(ctx context.Context, kind Kind, jc identity.JobContext, payload interface{}) Job {
	return Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		JobContext: jc,
		Payload:    payload,
		parent:     trace.SpanContextFromContext(ctx),
	}
}

// Handler executes one kind of job. ctx carries the job's identity and
// timeout.
type Handler func(ctx context.Context, job Job) error
