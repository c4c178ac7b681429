package transcode

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/store"
)

type fakeTranscoder struct {
	frames int
	fail   error
}

func (f *fakeTranscoder) Run(ctx context.Context, inputPath, outputPath string) (<-chan Progress, error) {
	out := make(chan Progress, f.frames+1)
	for i := 1; i <= f.frames; i++ {
		out <- Progress{Frame: i, Total: f.frames}
	}
	if f.fail != nil {
		out <- Progress{Err: f.fail}
	}
	close(out)
	return out, nil
}

func newTestPool(t *testing.T, transcoder Transcoder, workers, pendingCap int) (*Pool, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewWithClock(s.Transcodes, transcoder, workers, pendingCap, time.Millisecond, func() time.Time { return now }), s
}

func TestPool_EnqueueRespectsPendingCap(t *testing.T) {
	pool, _ := newTestPool(t, &fakeTranscoder{}, 1, 1)

	if _, err := pool.Enqueue("stay-1", "stay-1.replay"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := pool.Enqueue("stay-2", "stay-2.replay")
	if !gwerr.Is(err, gwerr.ResourceExhausted) {
		t.Fatalf("expected resource_exhausted, got %v", err)
	}
}

func TestPool_ClaimAndRunCompletesJob(t *testing.T) {
	pool, s := newTestPool(t, &fakeTranscoder{frames: 3}, 1, 10)

	job, err := pool.Enqueue("stay-1", "stay-1.replay")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool.claimAndRun(context.Background())

	got, err := s.Transcodes.GetByID(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.TranscodeDone {
		t.Fatalf("expected status done, got %s", got.Status)
	}
	if got.OutputPath == "" {
		t.Error("expected output path to be set")
	}
}

func TestPool_ClaimAndRunFailsJobOnTranscoderError(t *testing.T) {
	fail := context.DeadlineExceeded
	pool, s := newTestPool(t, &fakeTranscoder{frames: 1, fail: fail}, 1, 10)

	job, err := pool.Enqueue("stay-1", "stay-1.replay")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool.claimAndRun(context.Background())

	got, err := s.Transcodes.GetByID(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.TranscodeFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
}

func TestPool_ClaimAndRunFailsJobWithResourceExceeded(t *testing.T) {
	fail := fmt.Errorf("transcode process exceeded resource ceiling: %w", ErrResourceExceeded)
	pool, s := newTestPool(t, &fakeTranscoder{frames: 1, fail: fail}, 1, 10)

	job, err := pool.Enqueue("stay-1", "stay-1.replay")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool.claimAndRun(context.Background())

	got, err := s.Transcodes.GetByID(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.TranscodeFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if got.Error != "resource_exceeded" {
		t.Fatalf("expected error reason resource_exceeded, got %q", got.Error)
	}
}

func TestPool_Rush(t *testing.T) {
	pool, s := newTestPool(t, &fakeTranscoder{}, 1, 10)

	first, _ := pool.Enqueue("stay-1", "stay-1.replay")
	second, _ := pool.Enqueue("stay-2", "stay-2.replay")

	if err := pool.Rush(second.ID); err != nil {
		t.Fatalf("rush: %v", err)
	}

	rows, err := s.Transcodes.ListByStatus(store.TranscodePending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != second.ID {
		t.Fatalf("expected rushed job %s first, got %+v", first.ID, rows)
	}
}

func TestEtaSeconds(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(10 * time.Second)

	if got := etaSeconds(started, now, 5, 10); got != 10 {
		t.Errorf("expected eta 10, got %d", got)
	}
	if got := etaSeconds(started, now, 0, 10); got != 0 {
		t.Errorf("expected eta 0 for zero progress, got %d", got)
	}
}
