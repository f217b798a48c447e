package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMemoryBuffer        = 1024
	defaultMaxRedeliveries     = 3
	defaultRedeliveryBaseDelay = 100 * time.Millisecond
)

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)

type memoryDelivery struct {
	msg      ExecutionMessage
	attempts int
}

// MemoryQueue is an in-process Publisher and Consumer for single-binary runs and tests.
// Requeued deliveries come back with linear backoff and are dead-lettered after
// maxRedeliveries.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan memoryDelivery
	dead   []ExecutionMessage
	closed bool

	buffer          int
	maxRedeliveries int
	redeliveryDelay time.Duration
	logger          *zap.Logger
}

func NewMemoryQueue(logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemoryQueue{
		queues:          make(map[string]chan memoryDelivery),
		buffer:          defaultMemoryBuffer,
		maxRedeliveries: defaultMaxRedeliveries,
		redeliveryDelay: defaultRedeliveryBaseDelay,
		logger:          logger,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, queue string, msg ExecutionMessage) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid execution message: %w", err)
	}

	ch, err := q.queueFor(queue)
	if err != nil {
		return err
	}

	return q.push(ctx, ch, memoryDelivery{msg: msg})
}

// Consume blocks until ctx is cancelled or the queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	ch, err := q.queueFor(queue)
	if err != nil {
		return err
	}

	var redeliveries sync.WaitGroup
	defer redeliveries.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-ch:
			if !ok {
				return nil
			}

			switch handler(ctx, d.msg) {
			case Ack:
				continue
			case DeadLetter:
				q.deadLetter(d.msg, "rejected by handler")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}

			d.attempts++
			if d.attempts > q.maxRedeliveries {
				q.deadLetter(d.msg, "redeliveries exhausted")
				continue
			}

			redeliveries.Add(1)
			go func(d memoryDelivery) {
				defer redeliveries.Done()
				q.redeliver(ctx, ch, d)
			}(d)
		}
	}
}

// DeadLetters returns messages that exhausted their redeliveries.
func (q *MemoryQueue) DeadLetters() []ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ExecutionMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of messages waiting in queue.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(ch)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for _, ch := range q.queues {
		close(ch)
	}
	return nil
}

func (q *MemoryQueue) queueFor(queue string) (chan memoryDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("memory queue is closed")
	}

	ch, ok := q.queues[queue]
	if !ok {
		ch = make(chan memoryDelivery, q.buffer)
		q.queues[queue] = ch
	}
	return ch, nil
}

func (q *MemoryQueue) push(ctx context.Context, ch chan memoryDelivery, d memoryDelivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("memory queue is closed")
	}

	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memory queue is full")
	}
}

func (q *MemoryQueue) redeliver(ctx context.Context, ch chan memoryDelivery, d memoryDelivery) {
	timer := time.NewTimer(time.Duration(d.attempts) * q.redeliveryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := q.push(ctx, ch, d); err != nil {
		q.logger.Warn("failed to redeliver message",
			zap.Error(err),
			zap.String("campaignId", d.msg.CampaignID),
		)
	}
}

func (q *MemoryQueue) deadLetter(msg ExecutionMessage, reason string) {
	q.logger.Warn("dead-lettering message",
		zap.String("reason", reason),
		zap.String("campaignId", msg.CampaignID),
	)

	q.mu.Lock()
	q.dead = append(q.dead, msg)
	q.mu.Unlock()
}

// MemoryDeduper is an in-process Deduper.
type MemoryDeduper struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

var _ Deduper = (*MemoryDeduper)(nil)

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{pending: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(_ context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("job id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[jobID]; ok {
		return false, nil
	}
	d.pending[jobID] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, jobID)
	return nil
}
