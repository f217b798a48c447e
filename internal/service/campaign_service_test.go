package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

func newTestCampaignService(t *testing.T, store *memCampaignStore, jobs JobQueue) *CampaignService {
	t.Helper()

	svc, err := NewCampaignService(store, jobs, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCampaignService() error = %v", err)
	}
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	svc.newID = func() string { return "c-new" }
	return svc
}

func TestNewCampaignServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCampaignService(nil, &fakeJobQueue{}, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
	if _, err := NewCampaignService(newMemCampaignStore(), nil, nil); err == nil {
		t.Fatal("expected error for nil job queue")
	}
}

func TestCampaignServiceCreateCampaign(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore()
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	created, err := svc.CreateCampaign(context.Background(), &domain.Campaign{
		WorkspaceID: " ws-1 ",
		Name:        "spring outreach",
		AssistantID: "assistant-1",
		SIPTrunkID:  "trunk-1",
		Status:      domain.CampaignStatusRunning,
		Contacts: []domain.Contact{
			{PhoneNumber: "+14155550100", Outcome: domain.OutcomeAnswered, AttemptCount: 4},
			{PhoneNumber: " +14155550101 ", Name: "Ada"},
		},
	})
	if err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}

	if created.ID != "c-new" {
		t.Fatalf("id = %q, want c-new", created.ID)
	}
	if created.Status != domain.CampaignStatusDraft {
		t.Fatalf("status = %s, want DRAFT", created.Status)
	}
	if created.WorkspaceID != "ws-1" {
		t.Fatalf("workspace id = %q, want trimmed", created.WorkspaceID)
	}
	if created.MaxConcurrentCalls != domain.DefaultMaxConcurrentCalls {
		t.Fatalf("max concurrent calls = %d, want default", created.MaxConcurrentCalls)
	}
	for i, c := range created.Contacts {
		if c.Index != i || c.Outcome != domain.OutcomePending || c.AttemptCount != 0 {
			t.Fatalf("contact %d = %+v, want fresh PENDING contact", i, c)
		}
	}

	stored := store.snapshot("c-new")
	if stored.Status != domain.CampaignStatusDraft || len(stored.Contacts) != 2 {
		t.Fatalf("stored campaign = %+v, want DRAFT with 2 contacts", stored)
	}
}

func TestCampaignServiceCreateCampaignValidationError(t *testing.T) {
	t.Parallel()

	svc := newTestCampaignService(t, newMemCampaignStore(), &fakeJobQueue{})

	tests := []struct {
		name     string
		campaign *domain.Campaign
	}{
		{name: "nil campaign", campaign: nil},
		{
			name: "bad phone number",
			campaign: &domain.Campaign{
				WorkspaceID: "ws-1", Name: "x", AssistantID: "a",
				Contacts: []domain.Contact{{PhoneNumber: "555-0100"}},
			},
		},
		{
			name: "no contacts",
			campaign: &domain.Campaign{
				WorkspaceID: "ws-1", Name: "x", AssistantID: "a",
			},
		},
		{
			name: "concurrency above limit",
			campaign: &domain.Campaign{
				WorkspaceID: "ws-1", Name: "x", AssistantID: "a",
				MaxConcurrentCalls: domain.MaxConcurrentCallsLimit + 1,
				Contacts:           []domain.Contact{{PhoneNumber: "+14155550100"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCampaign(context.Background(), tt.campaign)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("CreateCampaign() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCampaignServiceStartCampaignEnqueuesOnce(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusDraft, 1, 2))
	memQueue := queue.NewMemoryQueue(nil)
	defer memQueue.Close()
	jobs := queue.NewJobQueue(memQueue, queue.NewMemoryDeduper(), nil)
	svc := newTestCampaignService(t, store, jobs)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.StartCampaign(context.Background(), "c1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("StartCampaign() call %d error = %v", i, err)
		}
	}
	if got := store.snapshot("c1").Status; got != domain.CampaignStatusQueued {
		t.Fatalf("status = %s, want QUEUED", got)
	}
	if got := memQueue.Len(queue.ExecuteQueue); got != 1 {
		t.Fatalf("queued jobs = %d, want 1", got)
	}

	// a third start is still a no-op
	status, err := svc.StartCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("StartCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusQueued {
		t.Fatalf("status = %s, want QUEUED", status)
	}
	if got := memQueue.Len(queue.ExecuteQueue); got != 1 {
		t.Fatalf("queued jobs = %d, want 1", got)
	}
}

func TestCampaignServiceStartCampaignIdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusRunning, 1, 1))
	jobs := &fakeJobQueue{}
	svc := newTestCampaignService(t, store, jobs)

	status, err := svc.StartCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("StartCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusRunning {
		t.Fatalf("status = %s, want RUNNING", status)
	}
	if got := jobs.enqueuedCount(); got != 0 {
		t.Fatalf("enqueued jobs = %d, want 0", got)
	}
}

func TestCampaignServiceInvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status domain.CampaignStatus
		op     func(svc *CampaignService) (domain.CampaignStatus, error)
	}{
		{
			name:   "start completed",
			status: domain.CampaignStatusCompleted,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.StartCampaign(context.Background(), "c1")
			},
		},
		{
			name:   "start paused",
			status: domain.CampaignStatusPaused,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.StartCampaign(context.Background(), "c1")
			},
		},
		{
			name:   "pause queued",
			status: domain.CampaignStatusQueued,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.PauseCampaign(context.Background(), "c1")
			},
		},
		{
			name:   "resume running",
			status: domain.CampaignStatusRunning,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.ResumeCampaign(context.Background(), "c1")
			},
		},
		{
			name:   "cancel draft",
			status: domain.CampaignStatusDraft,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.CancelCampaign(context.Background(), "c1")
			},
		},
		{
			name:   "cancel cancelled",
			status: domain.CampaignStatusCancelled,
			op: func(svc *CampaignService) (domain.CampaignStatus, error) {
				return svc.CancelCampaign(context.Background(), "c1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemCampaignStore(newTestCampaign("c1", tt.status, 1, 1))
			jobs := &fakeJobQueue{}
			svc := newTestCampaignService(t, store, jobs)

			_, err := tt.op(svc)
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("error = %v, want ErrInvalidTransition", err)
			}
			if got := store.snapshot("c1").Status; got != tt.status {
				t.Fatalf("status = %s, want unchanged %s", got, tt.status)
			}
			if got := jobs.enqueuedCount(); got != 0 {
				t.Fatalf("enqueued jobs = %d, want 0", got)
			}
		})
	}
}

func TestCampaignServiceUnknownCampaign(t *testing.T) {
	t.Parallel()

	svc := newTestCampaignService(t, newMemCampaignStore(), &fakeJobQueue{})

	if _, err := svc.StartCampaign(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("StartCampaign() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetCampaign(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetCampaign() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetStats(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetStats() error = %v, want ErrNotFound", err)
	}
}

func TestCampaignServicePauseAndResume(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusRunning, 1, 2))
	jobs := &fakeJobQueue{}
	svc := newTestCampaignService(t, store, jobs)

	status, err := svc.PauseCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("PauseCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusPaused {
		t.Fatalf("status = %s, want PAUSED", status)
	}
	if got := jobs.enqueuedCount(); got != 0 {
		t.Fatalf("enqueued jobs = %d, want 0", got)
	}

	status, err = svc.ResumeCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ResumeCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusQueued {
		t.Fatalf("status = %s, want QUEUED", status)
	}
	if got := jobs.enqueuedCount(); got != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", got)
	}
	if msg := jobs.enqueued[0]; msg.JobID != "c1" || msg.CampaignID != "c1" {
		t.Fatalf("message = %+v, want job for c1", msg)
	}
}

func TestCampaignServiceCancelPausedCampaignSkipsPending(t *testing.T) {
	t.Parallel()

	campaign := newTestCampaign("c1", domain.CampaignStatusPaused, 1, 3)
	campaign.Contacts[0].Outcome = domain.OutcomeAnswered
	campaign.Contacts[0].AttemptCount = 1
	store := newMemCampaignStore(campaign)
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	status, err := svc.CancelCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("CancelCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", status)
	}

	stats, err := svc.GetStats(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Answered != 1 || stats.Skipped != 2 || stats.Pending != 0 {
		t.Fatalf("stats = %+v, want 1 answered and 2 skipped", stats)
	}
}

func TestCampaignServiceCancelKeepsDispatchedContacts(t *testing.T) {
	t.Parallel()

	campaign := newTestCampaign("c1", domain.CampaignStatusRunning, 2, 3)
	campaign.Contacts[0].Outcome = domain.OutcomeDispatched
	campaign.Contacts[0].AttemptCount = 1
	store := newMemCampaignStore(campaign)
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	if _, err := svc.CancelCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("CancelCampaign() error = %v", err)
	}

	contacts := store.snapshot("c1").Contacts
	if contacts[0].Outcome != domain.OutcomeDispatched {
		t.Fatalf("in-flight contact outcome = %s, want DISPATCHED", contacts[0].Outcome)
	}
	if contacts[1].Outcome != domain.OutcomeSkipped || contacts[2].Outcome != domain.OutcomeSkipped {
		t.Fatalf("pending contacts = %s, %s, want SKIPPED", contacts[1].Outcome, contacts[2].Outcome)
	}
}

func TestCampaignServiceTransitionRetriesConcurrentModification(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusRunning, 1, 1))
	calls := 0
	store.updateStatusFn = func(id string, expected, next domain.CampaignStatus) error {
		calls++
		if calls == 1 {
			return domain.ErrConcurrentModification
		}
		return nil
	}
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	status, err := svc.PauseCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("PauseCampaign() error = %v", err)
	}
	if status != domain.CampaignStatusPaused {
		t.Fatalf("status = %s, want PAUSED", status)
	}
	if calls != 2 {
		t.Fatalf("update attempts = %d, want 2", calls)
	}
}

func TestCampaignServiceTransitionGivesUpAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusRunning, 1, 1))
	store.updateStatusFn = func(id string, expected, next domain.CampaignStatus) error {
		return domain.ErrConcurrentModification
	}
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	if _, err := svc.PauseCampaign(context.Background(), "c1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("PauseCampaign() error = %v, want ErrConflict", err)
	}
}

func TestCampaignServiceStartReturnsEnqueueError(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusDraft, 1, 1))
	jobs := &fakeJobQueue{
		enqueueFn: func(ctx context.Context, msg queue.ExecutionMessage) (bool, error) {
			return false, errors.New("broker down")
		},
	}
	svc := newTestCampaignService(t, store, jobs)

	status, err := svc.StartCampaign(context.Background(), "c1")
	if err == nil {
		t.Fatal("StartCampaign() error = nil, want enqueue error")
	}
	// the requeuer picks the campaign up later
	if status != domain.CampaignStatusQueued {
		t.Fatalf("status = %s, want QUEUED", status)
	}
}

func TestCampaignServiceGetJobStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status domain.CampaignStatus
		want   domain.JobStatus
	}{
		{status: domain.CampaignStatusQueued, want: domain.JobStatusQueued},
		{status: domain.CampaignStatusPaused, want: domain.JobStatusQueued},
		{status: domain.CampaignStatusRunning, want: domain.JobStatusRunning},
		{status: domain.CampaignStatusCompleted, want: domain.JobStatusSucceeded},
		{status: domain.CampaignStatusFailed, want: domain.JobStatusFailed},
		{status: domain.CampaignStatusCancelled, want: domain.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			store := newMemCampaignStore(newTestCampaign("c1", tt.status, 1, 2))
			svc := newTestCampaignService(t, store, &fakeJobQueue{})

			info, err := svc.GetJobStatus(context.Background(), "c1")
			if err != nil {
				t.Fatalf("GetJobStatus() error = %v", err)
			}
			if info.Status != tt.want {
				t.Fatalf("job status = %s, want %s", info.Status, tt.want)
			}
			if info.JobID != "c1" || info.CampaignStatus != tt.status || info.Stats.Total != 2 {
				t.Fatalf("job info = %+v", info)
			}
		})
	}
}

func TestCampaignServiceGetJobStatusDraft(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(newTestCampaign("c1", domain.CampaignStatusDraft, 1, 1))
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	if _, err := svc.GetJobStatus(context.Background(), "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetJobStatus() error = %v, want ErrNotFound", err)
	}
}

func TestCampaignServiceListCampaigns(t *testing.T) {
	t.Parallel()

	store := newMemCampaignStore(
		newTestCampaign("c1", domain.CampaignStatusDraft, 1, 1),
		newTestCampaign("c2", domain.CampaignStatusRunning, 1, 1),
	)
	svc := newTestCampaignService(t, store, &fakeJobQueue{})

	running := domain.CampaignStatusRunning
	page, err := svc.ListCampaigns(context.Background(), repository.ListParams{Status: &running, PageSize: 500})
	if err != nil {
		t.Fatalf("ListCampaigns() error = %v", err)
	}
	if page.Total != 1 || len(page.Campaigns) != 1 || page.Campaigns[0].ID != "c2" {
		t.Fatalf("page = %+v, want only c2", page)
	}
	if page.Page != 1 || page.PageSize != 100 {
		t.Fatalf("page = %d size = %d, want 1 and 100", page.Page, page.PageSize)
	}

	invalid := domain.CampaignStatus("BOGUS")
	if _, err := svc.ListCampaigns(context.Background(), repository.ListParams{Status: &invalid}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ListCampaigns() error = %v, want ErrValidation", err)
	}
}
