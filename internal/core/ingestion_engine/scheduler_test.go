package ingestion_engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/models"
)

// fakeIngestor records the stage calls the scheduler makes.
type fakeIngestor struct {
	Ingestor

	mu         sync.Mutex
	calls      []string
	processErr error
	done       chan string
}

func (f *fakeIngestor) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.done <- call
}

func (f *fakeIngestor) ProcessSource(_ context.Context, id string, opts ProcessOptions) (*ProcessResult, error) {
	call := "process:" + id
	if opts.ForceReprocess {
		call += ":force"
	}
	f.record(call)
	if f.processErr != nil {
		return nil, f.processErr
	}
	return &ProcessResult{SourceID: id, ChunksCreated: 3}, nil
}

func (f *fakeIngestor) GenerateEmbeddings(_ context.Context, id string, opts EmbedOptions) (*EmbedResult, error) {
	call := "embed:" + id
	if opts.ForceReprocess {
		call += ":force"
	}
	f.record(call)
	return &EmbedResult{SourceID: id, AllComplete: true}, nil
}

func startScheduler(t *testing.T, ing Ingestor, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s, err := NewScheduler(ing, 2, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return s
}

func waitCall(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task")
		return ""
	}
}

func TestSchedulerChainsEmbedAfterProcess(t *testing.T) {
	ing := &fakeIngestor{done: make(chan string, 4)}
	s := startScheduler(t, ing, WithAutoEmbed(true))

	require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskProcess, SourceID: "s1", Force: true}))
	assert.Equal(t, "process:s1:force", waitCall(t, ing.done))
	assert.Equal(t, "embed:s1", waitCall(t, ing.done), "chained embed is not forced")
}

func TestSchedulerWithoutAutoEmbed(t *testing.T) {
	ing := &fakeIngestor{done: make(chan string, 4)}
	s := startScheduler(t, ing)

	require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskProcess, SourceID: "s1"}))
	require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskEmbed, SourceID: "s2", Force: true}))

	got := []string{waitCall(t, ing.done), waitCall(t, ing.done)}
	assert.ElementsMatch(t, []string{"process:s1", "embed:s2:force"}, got)

	select {
	case extra := <-ing.done:
		t.Fatalf("unexpected task %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerSkipsEmbedWhenProcessFails(t *testing.T) {
	ing := &fakeIngestor{done: make(chan string, 4), processErr: core.Validation("process", errors.New("bad pdf"))}
	s := startScheduler(t, ing, WithAutoEmbed(true))

	require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskProcess, SourceID: "s1"}))
	assert.Equal(t, "process:s1", waitCall(t, ing.done))

	select {
	case extra := <-ing.done:
		t.Fatalf("unexpected task %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnqueueHonoursContext(t *testing.T) {
	s, err := NewScheduler(&fakeIngestor{}, 1)
	require.NoError(t, err)
	t.Cleanup(s.pool.Release)
	for i := 0; i < cap(s.tasks); i++ {
		require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskEmbed, SourceID: "s"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.Enqueue(ctx, Task{Kind: TaskEmbed, SourceID: "overflow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskFor(t *testing.T) {
	assert.Equal(t, Task{Kind: TaskProcess, SourceID: "s"}, TaskFor("s", models.JobTextExtraction))
	assert.Equal(t, Task{Kind: TaskProcess, SourceID: "s"}, TaskFor("s", models.JobChunking))
	assert.Equal(t, Task{Kind: TaskEmbed, SourceID: "s"}, TaskFor("s", models.JobEmbedding))
}

func TestSchedulerRunsRealOrchestrator(t *testing.T) {
	h := newHarness(t)
	src := h.register("alice")
	s := startScheduler(t, h.orch, WithAutoEmbed(true))

	require.NoError(t, s.Enqueue(context.Background(), Task{Kind: TaskProcess, SourceID: src.ID}))
	require.Eventually(t, func() bool {
		cur, err := h.store.GetSource(context.Background(), src.ID)
		return err == nil && cur.Status == models.SourceCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.provider.CallCount())
}
