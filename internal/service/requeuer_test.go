package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"go.uber.org/zap"
)

func TestNewRequeuerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRequeuer(nil, &fakeJobQueue{}, &fakeLocker{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
	if _, err := NewRequeuer(newMemCampaignStore(), nil, &fakeLocker{}, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil job queue")
	}
	if _, err := NewRequeuer(newMemCampaignStore(), &fakeJobQueue{}, nil, 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil locker")
	}

	r, err := NewRequeuer(newMemCampaignStore(), &fakeJobQueue{}, &fakeLocker{}, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewRequeuer() error = %v", err)
	}
	if r.interval != defaultRequeueInterval || r.staleAfter != defaultRequeueStaleAfter || r.limit != defaultRequeueBatchSize {
		t.Fatalf("requeuer = %+v, want defaults", r)
	}
}

func TestRequeuerScan(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	stale := now.Add(-10 * time.Minute)

	campaigns := []*domain.Campaign{
		newTestCampaign("queued-stale", domain.CampaignStatusQueued, 1, 1),
		newTestCampaign("queued-fresh", domain.CampaignStatusQueued, 1, 1),
		newTestCampaign("running-orphan", domain.CampaignStatusRunning, 1, 1),
		newTestCampaign("running-held", domain.CampaignStatusRunning, 1, 1),
		newTestCampaign("paused", domain.CampaignStatusPaused, 1, 1),
	}
	for _, c := range campaigns {
		c.UpdatedAt = stale
	}
	campaigns[1].UpdatedAt = now

	store := newMemCampaignStore(campaigns...)
	jobs := &fakeJobQueue{}
	locker := &fakeLocker{
		isHeldFn: func(ctx context.Context, key string) (bool, error) {
			return key == "campaign:lock:running-held", nil
		},
	}

	r, err := NewRequeuer(store, jobs, locker, time.Minute, 2*time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRequeuer() error = %v", err)
	}
	r.now = func() time.Time { return now }

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}

	var got []string
	for _, msg := range jobs.enqueued {
		got = append(got, msg.CampaignID)
	}
	sort.Strings(got)

	want := []string{"queued-stale", "running-orphan"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("requeued = %v, want %v", got, want)
	}
}

func TestRequeuerScanSkipsWhenLockCheckFails(t *testing.T) {
	t.Parallel()

	c := newTestCampaign("c1", domain.CampaignStatusRunning, 1, 1)
	store := newMemCampaignStore(c)
	jobs := &fakeJobQueue{}
	locker := &fakeLocker{
		isHeldFn: func(ctx context.Context, key string) (bool, error) {
			return false, errors.New("redis down")
		},
	}

	r, err := NewRequeuer(store, jobs, locker, time.Minute, time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRequeuer() error = %v", err)
	}

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if got := jobs.enqueuedCount(); got != 0 {
		t.Fatalf("enqueued jobs = %d, want 0", got)
	}
}

func TestRequeuerScanDoesNotDuplicateOutstandingJob(t *testing.T) {
	t.Parallel()

	c := newTestCampaign("c1", domain.CampaignStatusQueued, 1, 1)
	store := newMemCampaignStore(c)
	memQueue := queue.NewMemoryQueue(nil)
	jobs := queue.NewJobQueue(memQueue, queue.NewMemoryDeduper(), nil)

	r, err := NewRequeuer(store, jobs, &fakeLocker{}, time.Minute, time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRequeuer() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.scan(context.Background()); err != nil {
			t.Fatalf("scan() error = %v", err)
		}
	}
	if got := memQueue.Len(queue.ExecuteQueue); got != 1 {
		t.Fatalf("queued jobs = %d, want 1", got)
	}
}

func TestRequeuerStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	r, err := NewRequeuer(newMemCampaignStore(), &fakeJobQueue{}, &fakeLocker{}, 10*time.Millisecond, time.Minute, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRequeuer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
