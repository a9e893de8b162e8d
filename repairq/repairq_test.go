package repairq_test

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/repairq"
	_ "modernc.org/sqlite"
)

func newQ(t *testing.T, opts repairq.Options) (*repairq.Q, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(repairq.Schema))
	return repairq.New(db, opts), db
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := newQ(t, repairq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "ent_a", "count mismatch"); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.EntityID != "ent_a" {
		t.Fatalf("got entity %q, want ent_a", job.EntityID)
	}
	if job.Reason != "count mismatch" {
		t.Fatalf("got reason %q", job.Reason)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestEnqueueDedupe(t *testing.T) {
	q, _ := newQ(t, repairq.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "ent_a", "stale"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d jobs, want 1", n)
	}
}

func TestAckRemovesJob(t *testing.T) {
	q, _ := newQ(t, repairq.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Enqueue(ctx, "ent_a", "")
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("got %d jobs after ack, want 0", n)
	}

	// The entity can be queued again once its job is gone.
	if err := q.Enqueue(ctx, "ent_a", "again"); err != nil {
		t.Fatal(err)
	}
	n, _ = q.Len(ctx)
	if n != 1 {
		t.Fatalf("got %d jobs after re-enqueue, want 1", n)
	}
}

func TestNackMakesJobVisible(t *testing.T) {
	q, _ := newQ(t, repairq.Options{Visibility: time.Hour})
	ctx := context.Background()

	q.Enqueue(ctx, "ent_a", "")
	job, _ := q.Claim(ctx)
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected nacked job to be claimable")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, _ := newQ(t, repairq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "ent_a", "")
	if job, _ := q.Claim(ctx); job == nil {
		t.Fatal("expected first claim to succeed")
	}

	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected job to reappear after visibility timeout")
	}
}

func TestExtendKeepsJobInvisible(t *testing.T) {
	q, _ := newQ(t, repairq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "ent_a", "")
	job, _ := q.Claim(ctx)
	if err := q.Extend(ctx, job.ID, time.Hour); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected extended job to stay invisible")
	}
}

func TestRunHealsAndAcks(t *testing.T) {
	q, _ := newQ(t, repairq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Enqueue(ctx, "ent_a", "")
	q.Enqueue(ctx, "ent_b", "")

	var healed atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(ctx context.Context, entityID string) error {
			healed.Add(1)
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, err := q.Len(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained, %d jobs left", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if healed.Load() != 2 {
		t.Fatalf("healed %d entities, want 2", healed.Load())
	}
}

func TestRunDiscardsAfterMaxAttempts(t *testing.T) {
	q, _ := newQ(t, repairq.Options{
		Visibility:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Enqueue(ctx, "ent_bad", "")

	failErr := errors.New("still broken")
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(ctx context.Context, entityID string) error {
			return failErr
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, err := q.Len(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never discarded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
