package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/lock"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memCampaignStore is an in-memory CampaignRepository applying the same row guards as
// the SQL implementation.
type memCampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign

	updateStatusFn func(id string, expected, next domain.CampaignStatus) error
	getStatusErr   error
	statusReads    int
}

var _ repository.CampaignRepository = (*memCampaignStore)(nil)

func newMemCampaignStore(campaigns ...*domain.Campaign) *memCampaignStore {
	s := &memCampaignStore{campaigns: make(map[string]*domain.Campaign)}
	for _, c := range campaigns {
		s.campaigns[c.ID] = cloneCampaign(c)
	}
	return s
}

func (s *memCampaignStore) Create(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; ok {
		return domain.ErrConflict
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *memCampaignStore) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *memCampaignStore) GetStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusReads++
	if s.getStatusErr != nil {
		return "", s.getStatusErr
	}
	c, ok := s.campaigns[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return c.Status, nil
}

func (s *memCampaignStore) List(ctx context.Context, params repository.ListParams) ([]domain.Campaign, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if params.WorkspaceID != "" && c.WorkspaceID != params.WorkspaceID {
			continue
		}
		if params.Status != nil && c.Status != *params.Status {
			continue
		}
		header := cloneCampaign(c)
		header.Contacts = nil
		out = append(out, *header)
	}
	return out, int64(len(out)), nil
}

func (s *memCampaignStore) ListStale(ctx context.Context, statuses []domain.CampaignStatus, olderThan time.Time, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.UpdatedAt.After(olderThan) {
			continue
		}
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, *cloneCampaign(c))
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memCampaignStore) UpdateStatus(ctx context.Context, id string, expected, next domain.CampaignStatus) error {
	if s.updateStatusFn != nil {
		if err := s.updateStatusFn(id, expected, next); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != expected {
		return fmt.Errorf("%w: campaign %s is %s", domain.ErrConcurrentModification, id, c.Status)
	}
	c.Status = next
	return nil
}

func (s *memCampaignStore) MarkContactDispatched(ctx context.Context, campaignID string, index int, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, err := s.contact(campaignID, index)
	if err != nil {
		return err
	}
	if ct.Outcome != domain.OutcomePending && ct.Outcome != domain.OutcomeDispatched {
		return fmt.Errorf("%w: contact %d is %s", domain.ErrConflict, index, ct.Outcome)
	}
	ct.Outcome = domain.OutcomeDispatched
	ct.AttemptCount = attempt
	return nil
}

func (s *memCampaignStore) UpdateContactOutcome(ctx context.Context, campaignID string, index int, res domain.ContactResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, err := s.contact(campaignID, index)
	if err != nil {
		return err
	}
	if ct.Outcome != domain.OutcomeDispatched {
		return fmt.Errorf("%w: contact %d is %s", domain.ErrConflict, index, ct.Outcome)
	}
	ct.Outcome = res.Outcome
	ct.AttemptCount = res.AttemptCount
	ct.LastError = res.LastError
	ct.CallID = res.CallID
	return nil
}

func (s *memCampaignStore) SkipPendingContacts(ctx context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	var n int64
	for i := range c.Contacts {
		if c.Contacts[i].Outcome == domain.OutcomePending {
			c.Contacts[i].Outcome = domain.OutcomeSkipped
			n++
		}
	}
	return n, nil
}

func (s *memCampaignStore) setStatus(id string, status domain.CampaignStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[id].Status = status
}

func (s *memCampaignStore) snapshot(id string) *domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCampaign(s.campaigns[id])
}

func (s *memCampaignStore) contact(campaignID string, index int) (*domain.Contact, error) {
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if index < 0 || index >= len(c.Contacts) {
		return nil, domain.ErrNotFound
	}
	return &c.Contacts[index], nil
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	out := *c
	out.Contacts = append([]domain.Contact(nil), c.Contacts...)
	return &out
}

func newTestCampaign(id string, status domain.CampaignStatus, maxConcurrent int, contacts int) *domain.Campaign {
	c := &domain.Campaign{
		ID:                 id,
		WorkspaceID:        "ws-1",
		Name:               "test campaign",
		AssistantID:        "assistant-1",
		SIPTrunkID:         "trunk-1",
		MaxConcurrentCalls: maxConcurrent,
		Status:             status,
	}
	for i := 0; i < contacts; i++ {
		c.Contacts = append(c.Contacts, domain.Contact{
			Index:       i,
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
			Outcome:     domain.OutcomePending,
		})
	}
	return c
}

type fakePlacer struct {
	placeFn func(ctx context.Context, req provider.CallRequest) (*provider.CallResult, error)

	mu    sync.Mutex
	calls []provider.CallRequest
}

func (f *fakePlacer) PlaceCall(ctx context.Context, req provider.CallRequest) (*provider.CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.placeFn != nil {
		return f.placeFn(ctx, req)
	}
	return answered(req), nil
}

func (f *fakePlacer) recorded() []provider.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.CallRequest(nil), f.calls...)
}

func answered(req provider.CallRequest) *provider.CallResult {
	return &provider.CallResult{
		CallID:  "call-" + req.DedupeKey,
		Outcome: provider.CallOutcomeAnswered,
	}
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, trunk string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, trunk string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, trunk string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, trunk)
	}
	return nil
}

type fakeLocker struct {
	acquireFn func(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error)
	isHeldFn  func(ctx context.Context, key string) (bool, error)
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, key, ttl)
	}
	return &fakeLease{key: key}, nil
}

func (f *fakeLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if f.isHeldFn != nil {
		return f.isHeldFn(ctx, key)
	}
	return false, nil
}

type fakeLease struct {
	key       string
	refreshFn func(ctx context.Context, ttl time.Duration) error

	mu       sync.Mutex
	released bool
}

func (f *fakeLease) Key() string { return f.key }

func (f *fakeLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if f.refreshFn != nil {
		return f.refreshFn(ctx, ttl)
	}
	return nil
}

func (f *fakeLease) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeLease) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeJobQueue struct {
	enqueueFn func(ctx context.Context, msg queue.ExecutionMessage) (bool, error)

	mu       sync.Mutex
	enqueued []queue.ExecutionMessage
	released []string
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, msg queue.ExecutionMessage) (bool, error) {
	if f.enqueueFn != nil {
		ok, err := f.enqueueFn(ctx, msg)
		if err != nil || !ok {
			return ok, err
		}
	}
	f.mu.Lock()
	f.enqueued = append(f.enqueued, msg)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeJobQueue) Release(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.released = append(f.released, jobID)
	f.mu.Unlock()
	return nil
}

func (f *fakeJobQueue) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeRunner struct {
	runFn func(ctx context.Context, campaignID string) (domain.CampaignStatus, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.runFn != nil {
		return f.runFn(ctx, campaignID)
	}
	return domain.CampaignStatusCompleted, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
