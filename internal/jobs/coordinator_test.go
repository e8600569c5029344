package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/events/eventstest"
	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var alice = identity.JobContext{UserID: "alice", ClientID: "web"}

func newTestCoordinator(t *testing.T, cfg config.JobsConfig, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestCoordinator_BindsIdentity(t *testing.T) {
	c := newTestCoordinator(t, config.JobsConfig{Workers: 2})

	done := make(chan struct{})
	var got identity.JobContext
	var gotErr error
	c.Handle(KindPersistMemory, func(ctx context.Context, job Job) error {
		got, gotErr = identity.FromContext(ctx)
		close(done)
		return nil
	})

	// The request context carries a different identity and is already
	// cancelled; neither may reach the job.
	reqCtx, cancel := context.WithCancel(identity.WithJobContext(context.Background(), identity.JobContext{UserID: "mallory"}))
	cancel()

	require.True(t, c.Submit(New(reqCtx, KindPersistMemory, alice, "Likes hiking.")))
	waitFor(t, done)
	require.NoError(t, gotErr)
	assert.Equal(t, alice, got)
}

func TestCoordinator_JobContextDetachedAndCancelledAfter(t *testing.T) {
	c := newTestCoordinator(t, config.JobsConfig{Workers: 1, Timeout: time.Second})

	done := make(chan struct{})
	var jobCtx context.Context
	var errDuring error
	c.Handle(KindPersistMemory, func(ctx context.Context, job Job) error {
		jobCtx = ctx
		errDuring = ctx.Err()
		close(done)
		return nil
	})

	reqCtx, cancel := context.WithCancel(context.Background())
	require.True(t, c.Submit(New(reqCtx, KindPersistMemory, alice, nil)))
	cancel()
	waitFor(t, done)

	assert.NoError(t, errDuring)
	deadline, ok := jobCtx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
	assert.Eventually(t, func() bool { return jobCtx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c := NewCoordinator(config.JobsConfig{Workers: 1}, zap.New(core))
	defer func() { _ = c.Shutdown(context.Background()) }()

	c.Handle(KindRefreshNarrative, func(context.Context, Job) error {
		panic("boom")
	})
	done := make(chan struct{})
	c.Handle(KindPersistMemory, func(context.Context, Job) error {
		close(done)
		return nil
	})

	require.True(t, c.Submit(New(context.Background(), KindRefreshNarrative, alice, nil)))
	require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	waitFor(t, done)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("job panicked, recovering").Len() == 1
	}, time.Second, 5*time.Millisecond)
	entry := logs.FilterMessage("job panicked, recovering").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "refresh_narrative", fields["job.kind"])
	assert.Equal(t, "alice", fields["user.id"])
	assert.Equal(t, "web", fields["client.id"])
}

func TestCoordinator_FailuresAreNotRetried(t *testing.T) {
	c := newTestCoordinator(t, config.JobsConfig{Workers: 1})

	var calls atomic.Int32
	c.Handle(KindPersistMemory, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})

	before := testutil.ToFloat64(c.metrics.JobsTotal.WithLabelValues(string(KindPersistMemory), "failed"))
	require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	require.NoError(t, c.Shutdown(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	after := testutil.ToFloat64(c.metrics.JobsTotal.WithLabelValues(string(KindPersistMemory), "failed"))
	assert.Equal(t, 1.0, after-before)
}

func TestCoordinator_DropsWhenQueueFull(t *testing.T) {
	c := newTestCoordinator(t, config.JobsConfig{Workers: 1, QueueSize: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.Handle(KindPersistMemory, func(context.Context, Job) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	defer close(release)

	require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	waitFor(t, started)
	require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))

	start := time.Now()
	assert.False(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCoordinator_RejectsInvalidIdentity(t *testing.T) {
	c := newTestCoordinator(t, config.JobsConfig{})
	assert.False(t, c.Submit(New(context.Background(), KindPersistMemory, identity.JobContext{}, nil)))
	assert.False(t, c.Submit(New(context.Background(), KindPersistMemory, identity.JobContext{UserID: "bad id!"}, nil)))
}

func TestCoordinator_NoHandler(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c := NewCoordinator(config.JobsConfig{Workers: 1}, zap.New(core))

	require.True(t, c.Submit(New(context.Background(), "unknown", alice, nil)))
	require.NoError(t, c.Shutdown(context.Background()))

	require.Equal(t, 1, logs.FilterMessage("job failed").Len())
	assert.Contains(t, logs.FilterMessage("job failed").All()[0].ContextMap()["error"], ErrNoHandler.Error())
}

func TestCoordinator_ShutdownDrainsQueue(t *testing.T) {
	c := NewCoordinator(config.JobsConfig{Workers: 1, QueueSize: 10}, nil)

	var calls atomic.Int32
	c.Handle(KindPersistMemory, func(context.Context, Job) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	})
	for i := 0; i < 5; i++ {
		require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	}

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, int32(5), calls.Load())
	assert.False(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
}

func TestCoordinator_ShutdownTimeoutCancelsRunningJobs(t *testing.T) {
	c := NewCoordinator(config.JobsConfig{Workers: 1, Timeout: time.Hour}, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	c.Handle(KindRefreshNarrative, func(ctx context.Context, _ Job) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.True(t, c.Submit(New(context.Background(), KindRefreshNarrative, alice, nil)))
	waitFor(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
	waitFor(t, cancelled)
}

func TestCoordinator_LinksSubmittingSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := NewCoordinator(config.JobsConfig{Workers: 1}, nil)
	c.Handle(KindPersistMemory, func(context.Context, Job) error { return nil })

	reqCtx, reqSpan := tp.Tracer("test").Start(context.Background(), "request")
	require.True(t, c.Submit(New(reqCtx, KindPersistMemory, alice, nil)))
	reqSpan.End()
	require.NoError(t, c.Shutdown(context.Background()))

	var jobSpan sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "jobs.persist_memory" {
			jobSpan = s
		}
	}
	require.NotNil(t, jobSpan)
	assert.NotEqual(t, reqSpan.SpanContext().TraceID(), jobSpan.SpanContext().TraceID())
	require.Len(t, jobSpan.Links(), 1)
	assert.Equal(t, reqSpan.SpanContext().SpanID(), jobSpan.Links()[0].SpanContext.SpanID())
}

func TestCoordinator_PublishesLifecycleEvents(t *testing.T) {
	nc := eventstest.Connect(t)

	received := make(chan *nats.Msg, 2)
	sub, err := nc.Subscribe("recalld.jobs.>", func(m *nats.Msg) { received <- m })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	c := newTestCoordinator(t, config.JobsConfig{Workers: 1}, WithEvents(nc))
	c.Handle(KindPersistMemory, func(context.Context, Job) error { return nil })
	c.Handle(KindRefreshNarrative, func(context.Context, Job) error { return errors.New("oracle down") })

	require.True(t, c.Submit(New(context.Background(), KindPersistMemory, alice, nil)))
	require.True(t, c.Submit(New(context.Background(), KindRefreshNarrative, alice, nil)))

	got := map[string]lifecycleEvent{}
	for len(got) < 2 {
		select {
		case m := <-received:
			var ev lifecycleEvent
			require.NoError(t, json.Unmarshal(m.Data, &ev))
			got[m.Subject] = ev
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 events", len(got))
		}
	}

	assert.Equal(t, "completed", got["recalld.jobs.alice.persist_memory.completed"].Status)
	failed := got["recalld.jobs.alice.refresh_narrative.failed"]
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "oracle down", failed.Error)
}
