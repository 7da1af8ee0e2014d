package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/queue"
)

type fakeDispatcher struct {
	fired   []uuid.UUID
	failed  map[uuid.UUID]string
	fireErr error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failed: make(map[uuid.UUID]string)}
}

func (f *fakeDispatcher) Fire(ctx context.Context, requestID uuid.UUID) error {
	if f.fireErr != nil {
		return f.fireErr
	}
	f.fired = append(f.fired, requestID)
	return nil
}

func (f *fakeDispatcher) Fail(ctx context.Context, requestID uuid.UUID, reason string) error {
	f.failed[requestID] = reason
	return nil
}

type fakeRepo struct {
	due []*db.ReviewRequest
}

func (f *fakeRepo) ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*db.ReviewRequest, error) {
	return f.due, nil
}

func setupWorker(t *testing.T, qcfg queue.Config) (*Worker, *queue.Queue, *fakeDispatcher, *fakeRepo, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, qcfg, zap.NewNop())
	dispatcher := newFakeDispatcher()
	repo := &fakeRepo{}
	w := New(q, dispatcher, repo, Config{}, zap.NewNop())

	return w, q, dispatcher, repo, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestTick_FiresDueJob(t *testing.T) {
	w, q, dispatcher, _, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx := context.Background()
	id := uuid.New()
	q.Enqueue(ctx, id, time.Now().Add(-time.Second), queue.PriorityNormal)

	w.tick(ctx)

	if len(dispatcher.fired) != 1 || dispatcher.fired[0] != id {
		t.Fatalf("fired = %v, want [%s]", dispatcher.fired, id)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d after ack, want 0", depth)
	}
}

func TestTick_DrainsAllDueJobs(t *testing.T) {
	w, q, dispatcher, _, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, uuid.New(), time.Now().Add(-time.Second), queue.PriorityNormal)
	}
	q.Enqueue(ctx, uuid.New(), time.Now().Add(time.Hour), queue.PriorityNormal)

	w.tick(ctx)

	if len(dispatcher.fired) != 3 {
		t.Errorf("fired = %d, want all 3 due jobs", len(dispatcher.fired))
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("depth = %d, want the future job only", depth)
	}
}

func TestTick_FiringFailureLeavesJobInflight(t *testing.T) {
	w, q, dispatcher, _, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx := context.Background()
	id := uuid.New()
	q.Enqueue(ctx, id, time.Now().Add(-time.Second), queue.PriorityNormal)
	dispatcher.fireErr = errors.New("db down")

	w.tick(ctx)

	// Job stays leased for redelivery once the lease expires
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("depth = %d, want 1 (job kept inflight)", depth)
	}
	if len(dispatcher.fired) != 0 {
		t.Error("nothing should have fired")
	}
}

func TestTick_ExhaustedJobTerminalizes(t *testing.T) {
	w, q, dispatcher, _, cleanup := setupWorker(t, queue.Config{Lease: time.Millisecond, MaxDeliveries: 1})
	defer cleanup()

	ctx := context.Background()
	id := uuid.New()
	q.Enqueue(ctx, id, time.Now().Add(-time.Second), queue.PriorityNormal)

	// Burn the only allowed delivery with a failed firing
	dispatcher.fireErr = errors.New("db down")
	w.tick(ctx)

	// Wait out the lease so the reap in the next tick redelivers
	time.Sleep(5 * time.Millisecond)
	dispatcher.fireErr = nil
	w.tick(ctx)

	reason, ok := dispatcher.failed[id]
	if !ok {
		t.Fatal("exhausted job should terminalize the request")
	}
	if reason != "dispatch attempts exhausted" {
		t.Errorf("reason = %q", reason)
	}
	if len(dispatcher.fired) != 0 {
		t.Error("exhausted job must not fire")
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d after terminalizing, want 0", depth)
	}
}

func TestReconcileStuck(t *testing.T) {
	w, q, _, repo, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	// One request lost its job, one still has it
	lost := &db.ReviewRequest{ID: uuid.New(), Status: db.StatusQueued, ScheduledFor: &past}
	tracked := &db.ReviewRequest{ID: uuid.New(), Status: db.StatusQueued, ScheduledFor: &past}
	repo.due = []*db.ReviewRequest{lost, tracked}
	q.Enqueue(ctx, tracked.ID, past, queue.PriorityNormal)

	w.ReconcileStuck(ctx)

	job, err := q.Pending(ctx, lost.ID)
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if job == nil {
		t.Fatal("lost request should be re-enqueued")
	}

	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Errorf("depth = %d, want 2 (no duplicate for the tracked request)", depth)
	}
}

func TestReconcileStuck_LeavesInflightJobAlone(t *testing.T) {
	w, q, _, repo, cleanup := setupWorker(t, queue.Config{Lease: time.Minute})
	defer cleanup()

	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	// The request is still queued in storage while its job is being
	// fired by another claim loop.
	firing := &db.ReviewRequest{ID: uuid.New(), Status: db.StatusQueued, ScheduledFor: &past}
	repo.due = []*db.ReviewRequest{firing}
	q.Enqueue(ctx, firing.ID, past, queue.PriorityNormal)
	if job, _ := q.Claim(ctx, time.Now()); job == nil {
		t.Fatal("expected claim")
	}

	w.ReconcileStuck(ctx)

	// The active lease must survive: nothing scheduled, nothing
	// claimable, exactly one inflight entry.
	if pending, _ := q.Pending(ctx, firing.ID); pending != nil {
		t.Error("reconcile must not re-enqueue a job that is being fired")
	}
	if second, _ := q.Claim(ctx, time.Now()); second != nil {
		t.Errorf("re-enqueued job is claimable mid-firing: %+v", second)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("depth = %d, want 1 (the original lease)", depth)
	}
}

func TestReconcileStuck_Idempotent(t *testing.T) {
	w, q, _, repo, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	repo.due = []*db.ReviewRequest{
		{ID: uuid.New(), Status: db.StatusQueued, ScheduledFor: &past},
	}

	w.ReconcileStuck(ctx)
	w.ReconcileStuck(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("depth = %d after double reconcile, want 1", depth)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	w, _, _, _, cleanup := setupWorker(t, queue.Config{})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
