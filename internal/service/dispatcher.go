package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout              = 30 * time.Second
	defaultMaxTransportRetries      = 2
	defaultRetryBaseDelay           = time.Second
	defaultRetryMaxDelay            = 30 * time.Second
	defaultFatalConsecutiveFailures = 5
	maxRetryJitterMillis            = 250
	maxStatusCASAttempts            = 5
)

// DispatcherConfig bounds call placement attempts and campaign-level failure detection.
type DispatcherConfig struct {
	CallTimeout              time.Duration
	MaxTransportRetries      int
	RetryBaseDelay           time.Duration
	RetryMaxDelay            time.Duration
	FatalConsecutiveFailures int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxTransportRetries < 0 {
		c.MaxTransportRetries = defaultMaxTransportRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = max(defaultRetryMaxDelay, c.RetryBaseDelay)
	}
	if c.FatalConsecutiveFailures <= 0 {
		c.FatalConsecutiveFailures = defaultFatalConsecutiveFailures
	}
	return c
}

// Dispatcher runs one campaign: it places calls for pending contacts in list order while
// keeping at most MaxConcurrentCalls placements in flight, and reacts to pause and cancel
// requests stored on the campaign.
type Dispatcher struct {
	campaigns repository.CampaignRepository
	placer    provider.CallPlacer
	limiter   ratelimit.RateLimiter
	cfg       DispatcherConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	randIntn  func(n int) int
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	campaigns repository.CampaignRepository,
	placer provider.CallPlacer,
	limiter ratelimit.RateLimiter,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if placer == nil {
		return nil, fmt.Errorf("call placer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		campaigns: campaigns,
		placer:    placer,
		limiter:   limiter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		randIntn:  rand.Intn,
		sleep:     sleepWithContext,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

type workItem struct {
	contact domain.Contact
	attempt int
}

type placementResult struct {
	index  int
	result domain.ContactResult
	// exhausted is set when the contact failed on a transient error after every retry.
	exhausted bool
	// deferred is set when a retry was reserved but not placed because the campaign
	// stopped running; the contact stays DISPATCHED for the next run.
	deferred bool
	aborted  bool
	storeErr error
}

// Run executes the campaign until it completes, fails, or a pause or cancel is observed,
// and returns the campaign status it left behind. A campaign that is not RUNNING is
// returned untouched. When ctx is cancelled in-flight results are not recorded; their
// contacts stay DISPATCHED and are re-issued by the next run.
func (d *Dispatcher) Run(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}
	if campaign.Status != domain.CampaignStatusRunning {
		return campaign.Status, nil
	}

	ctx = observability.WithCampaignID(ctx, campaign.ID)
	logger := observability.WithContextLogger(d.logger, ctx)

	work := buildWorkList(campaign.Contacts)
	limit := max(campaign.MaxConcurrentCalls, 1)
	results := make(chan placementResult, limit)

	logger.Info("dispatcher started",
		zap.Int("contacts", len(campaign.Contacts)),
		zap.Int("remaining", len(work)),
		zap.Int("maxConcurrentCalls", limit),
	)

	var (
		next        int
		active      int
		stopped     bool
		observed    = domain.CampaignStatusRunning
		runErr      error
		consecutive int
	)

	for {
		for !stopped && active < limit && next < len(work) {
			status, err := d.campaigns.GetStatus(ctx, campaign.ID)
			if err != nil {
				runErr = fmt.Errorf("failed to read campaign status: %w", err)
				stopped = true
				break
			}
			if status != domain.CampaignStatusRunning {
				observed = status
				stopped = true
				break
			}

			item := work[next]
			next++

			if err := d.campaigns.MarkContactDispatched(ctx, campaign.ID, item.contact.Index, item.attempt); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					logger.Debug("contact no longer dispatchable", zap.Int("contactIndex", item.contact.Index))
					continue
				}
				runErr = fmt.Errorf("failed to mark contact %d dispatched: %w", item.contact.Index, err)
				stopped = true
				break
			}

			active++
			d.metrics.IncDispatcherInFlight()
			go func(item workItem) {
				results <- d.place(ctx, campaign, item)
			}(item)
		}

		if active == 0 {
			break
		}

		res := <-results
		active--
		d.metrics.DecDispatcherInFlight()

		if res.aborted || ctx.Err() != nil {
			stopped = true
			continue
		}
		if res.storeErr != nil {
			if runErr == nil {
				runErr = res.storeErr
			}
			stopped = true
			continue
		}
		if res.deferred {
			stopped = true
			continue
		}

		if err := d.campaigns.UpdateContactOutcome(ctx, campaign.ID, res.index, res.result); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				if runErr == nil {
					runErr = fmt.Errorf("failed to record outcome of contact %d: %w", res.index, err)
				}
				stopped = true
				continue
			}
			logger.Warn("contact outcome already recorded", zap.Int("contactIndex", res.index))
		}
		d.metrics.IncCallPlaced(res.result.Outcome.String())

		if res.exhausted {
			consecutive++
		} else {
			consecutive = 0
		}
		if consecutive >= d.cfg.FatalConsecutiveFailures && runErr == nil {
			runErr = fmt.Errorf("%w: %d consecutive contacts failed on call placement transport errors",
				domain.ErrCampaignFatal, consecutive)
			stopped = true
		}
	}

	if err := ctx.Err(); err != nil {
		logger.Info("dispatcher interrupted", zap.Error(err))
		return domain.CampaignStatusRunning, err
	}

	if runErr != nil {
		if errors.Is(runErr, domain.ErrCampaignFatal) {
			logger.Error("campaign aborted", zap.Error(runErr))
			final, err := d.finish(ctx, campaign.ID, domain.CampaignStatusFailed)
			if err != nil {
				return final, errors.Join(runErr, err)
			}
			return final, runErr
		}
		logger.Error("dispatcher stopped on store error", zap.Error(runErr))
		return domain.CampaignStatusRunning, runErr
	}

	if observed != domain.CampaignStatusRunning {
		if observed == domain.CampaignStatusCancelled {
			if err := d.skipPending(ctx, campaign.ID, logger); err != nil {
				return observed, err
			}
		}
		logger.Info("dispatcher stopped", zap.String("status", observed.String()))
		return observed, nil
	}

	final, err := d.finish(ctx, campaign.ID, domain.CampaignStatusCompleted)
	if err != nil {
		return final, err
	}
	logger.Info("dispatcher finished", zap.String("status", final.String()))
	return final, nil
}

// finish moves a RUNNING campaign to target. If a pause or cancel won the race the stored
// status is returned instead.
func (d *Dispatcher) finish(ctx context.Context, campaignID string, target domain.CampaignStatus) (domain.CampaignStatus, error) {
	for attempt := 0; attempt < maxStatusCASAttempts; attempt++ {
		err := d.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusRunning, target)
		if err == nil {
			d.metrics.IncCampaignTransition(target.String())
			return target, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return domain.CampaignStatusRunning, fmt.Errorf("failed to mark campaign %s: %w", target, err)
		}

		current, err := d.campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return domain.CampaignStatusRunning, fmt.Errorf("failed to re-read campaign status: %w", err)
		}
		if current != domain.CampaignStatusRunning {
			if current == domain.CampaignStatusCancelled {
				if err := d.skipPending(ctx, campaignID, d.logger); err != nil {
					return current, err
				}
			}
			return current, nil
		}
	}

	return domain.CampaignStatusRunning, fmt.Errorf("%w: campaign %s status kept changing", domain.ErrConflict, campaignID)
}

func (d *Dispatcher) skipPending(ctx context.Context, campaignID string, logger *zap.Logger) error {
	skipped, err := d.campaigns.SkipPendingContacts(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to skip pending contacts: %w", err)
	}
	if skipped > 0 {
		logger.Info("skipped pending contacts", zap.Int64("skipped", skipped))
	}
	return nil
}

// place runs every attempt for one contact, retrying transient failures with backoff.
// Each retry is a new attempt with its own dedupe key. Attempts already spent by an
// interrupted run count against the retry budget.
func (d *Dispatcher) place(ctx context.Context, campaign *domain.Campaign, item workItem) placementResult {
	index := item.contact.Index
	attempt := item.attempt

	for retries := max(attempt-1, 0); ; retries++ {
		callResult, err := d.placeOnce(ctx, campaign, item.contact, attempt)
		if ctx.Err() != nil {
			return placementResult{index: index, aborted: true}
		}
		if err == nil {
			return placementResult{index: index, result: contactResult(callResult, attempt)}
		}

		transient := provider.IsTransient(err)
		if !transient || retries >= d.cfg.MaxTransportRetries {
			return placementResult{
				index:     index,
				result:    failedResult(err, attempt),
				exhausted: transient,
			}
		}

		if err := d.sleep(ctx, d.computeRetryDelay(retries+1)); err != nil {
			return placementResult{index: index, aborted: true}
		}

		status := d.currentStatus(ctx, campaign.ID)
		if status == domain.CampaignStatusCancelled {
			return placementResult{index: index, result: failedResult(err, attempt)}
		}

		attempt++
		if err := d.campaigns.MarkContactDispatched(ctx, campaign.ID, index, attempt); err != nil {
			if ctx.Err() != nil {
				return placementResult{index: index, aborted: true}
			}
			return placementResult{
				index:    index,
				storeErr: fmt.Errorf("failed to record attempt %d of contact %d: %w", attempt, index, err),
			}
		}
		// paused: the reserved attempt is placed by the run that follows the resume
		if status != domain.CampaignStatusRunning {
			return placementResult{index: index, deferred: true}
		}
		d.metrics.IncCallRetry()
	}
}

// currentStatus falls back to RUNNING when the status cannot be read so a store hiccup
// does not end a retry sequence early.
func (d *Dispatcher) currentStatus(ctx context.Context, campaignID string) domain.CampaignStatus {
	status, err := d.campaigns.GetStatus(ctx, campaignID)
	if err != nil {
		return domain.CampaignStatusRunning
	}
	return status
}

func (d *Dispatcher) placeOnce(ctx context.Context, campaign *domain.Campaign, contact domain.Contact, attempt int) (*provider.CallResult, error) {
	// waiting for a trunk slot spends the same budget as the call itself
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(callCtx, rateLimitKey(campaign)); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ratelimit.ErrSlotUnavailable) || errors.Is(err, context.DeadlineExceeded) {
				return nil, provider.NewTimeoutError(err)
			}
			return nil, &provider.ProviderError{Message: "rate limiter unavailable", Transient: true, Cause: err}
		}
	}

	key := domain.AttemptKey{CampaignID: campaign.ID, ContactIndex: contact.Index, AttemptNumber: attempt}
	req := provider.CallRequest{
		CampaignID:  campaign.ID,
		WorkspaceID: campaign.WorkspaceID,
		AssistantID: campaign.AssistantID,
		SIPTrunkID:  campaign.SIPTrunkID,
		FromNumber:  campaign.FromNumber,
		Contact:     contact,
		DedupeKey:   key.String(),
	}

	start := d.now()
	result, err := d.placer.PlaceCall(callCtx, req)
	if err == nil && result == nil {
		err = &provider.ProviderError{Message: "empty call result", Transient: true}
	}
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = provider.NewTimeoutError(err)
	}

	label := "ok"
	if err != nil {
		label = "error"
	}
	d.metrics.ObserveCallDuration(label, d.now().Sub(start))

	return result, err
}

func (d *Dispatcher) computeRetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	delay := d.cfg.RetryBaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMaxDelay {
			delay = d.cfg.RetryMaxDelay
			break
		}
	}

	jitterMillis := 0
	if d.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

// buildWorkList returns contacts still owed a call, in list order. DISPATCHED contacts are
// orphans of an interrupted run and are re-issued with their recorded attempt so the
// dedupe key matches the earlier request.
func buildWorkList(contacts []domain.Contact) []workItem {
	work := make([]workItem, 0, len(contacts))
	for _, contact := range contacts {
		switch contact.Outcome {
		case domain.OutcomePending:
			work = append(work, workItem{contact: contact, attempt: contact.AttemptCount + 1})
		case domain.OutcomeDispatched:
			work = append(work, workItem{contact: contact, attempt: max(contact.AttemptCount, 1)})
		}
	}
	return work
}

func rateLimitKey(c *domain.Campaign) string {
	if trunk := strings.TrimSpace(c.SIPTrunkID); trunk != "" {
		return trunk
	}
	return "campaign-" + c.ID
}

func contactResult(res *provider.CallResult, attempt int) domain.ContactResult {
	out := domain.ContactResult{
		Outcome:      res.ContactOutcome(),
		AttemptCount: attempt,
	}
	if callID := strings.TrimSpace(res.CallID); callID != "" {
		out.CallID = &callID
	}
	if out.Outcome != domain.OutcomeAnswered {
		reason := string(res.Outcome)
		if r := strings.TrimSpace(res.Reason); r != "" {
			reason = reason + ": " + r
		}
		out.LastError = &reason
	}
	return out
}

func failedResult(err error, attempt int) domain.ContactResult {
	msg := err.Error()
	return domain.ContactResult{
		Outcome:      domain.OutcomeFailed,
		AttemptCount: attempt,
		LastError:    &msg,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
