package runtime

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditor_RecordsOutcomes(t *testing.T) {
	s := newStore(t)
	eb := NewEventBus()
	NewAuditor(s, observe.Discard()).Attach(eb)

	eb.Publish(Event{Type: EventExecutionStart, Repo: "example", Op: "search"})
	eb.Publish(Event{Type: EventExecutionEnd, Execution: &store.Execution{Repo: "example", Op: "search", Success: true, Status: 200}})
	eb.Publish(Event{Type: EventValidationRejected, Execution: &store.Execution{Repo: "example", Op: "insert", Status: 400, Error: "invalid primary_index"}})
	eb.Publish(Event{Type: EventExecutionEnd})

	rows, err := s.ListExecutions(store.ExecutionFilter{Repo: "example"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.False(t, r.CreatedAt.IsZero())
	}
}

func TestCleaner_RunOnce(t *testing.T) {
	s := newStore(t)
	eb := NewEventBus()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordExecution(&store.Execution{Repo: "r", Op: "browse", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordExecution(&store.Execution{Repo: "r", Op: "browse", CreatedAt: now.Add(-time.Hour)}))

	var runs []Event
	eb.Subscribe(EventCleanupRun, func(e Event) { runs = append(runs, e) })

	c := NewCleaner(s, eb, observe.Discard(), CleanerOptions{Interval: time.Hour, Retention: 24 * time.Hour})
	c.now = func() time.Time { return now }

	assert.Equal(t, int64(1), c.RunOnce())
	assert.Equal(t, int64(0), c.RunOnce())
	require.Len(t, runs, 2)
	assert.Equal(t, int64(1), runs[0].Data["removed"])

	rows, err := s.ListExecutions(store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCleaner_StartStop(t *testing.T) {
	s := newStore(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	eb := NewEventBus()
	var passes atomic.Int32
	eb.Subscribe(EventCleanupRun, func(Event) { passes.Add(1) })

	c := NewCleaner(s, eb, observe.Discard(), CleanerOptions{Interval: 10 * time.Millisecond, Retention: time.Hour})
	h := c.Start(context.Background())

	require.Eventually(t, func() bool { return passes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()

	stopped := passes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, passes.Load())
}

func TestCleaner_StopsWithContext(t *testing.T) {
	s := newStore(t)
	c := NewCleaner(s, NewEventBus(), observe.Discard(), CleanerOptions{Interval: time.Hour, InitialDelay: time.Hour, Retention: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	h := c.Start(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not exit after cancel")
	}
}

func TestCleaner_IndependentHandles(t *testing.T) {
	s := newStore(t)
	c := NewCleaner(s, NewEventBus(), observe.Discard(), CleanerOptions{Interval: time.Hour, InitialDelay: time.Hour, Retention: time.Hour})

	a := c.Start(context.Background())
	b := c.Start(context.Background())
	a.Stop()

	select {
	case <-b.Done():
		t.Fatal("stopping one handle stopped the other")
	default:
	}
	b.Stop()
}
