package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/incident-archive/internal/pkg/ctxlog"
	"github.com/bissquit/incident-archive/internal/queue"
)

// MessageSource delivers queue messages one at a time with manual acknowledgment.
type MessageSource interface {
	// Next blocks until a message is available or its poll window ends.
	// It returns nil, nil when no message arrived.
	Next(ctx context.Context) (*queue.Message, error)
	Ack(ctx context.Context, msg *queue.Message) error
	DeadLetter(ctx context.Context, msg *queue.Message, reason string) error
}

// MessageHandler processes one message body.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	MaxDeliveries int64
	ErrorBackoff  time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxDeliveries: 10,
		ErrorBackoff:  time.Second,
	}
}

// Worker runs the single sequential consume loop: one message is handled
// to completion before the next one is read.
type Worker struct {
	config  WorkerConfig
	source  MessageSource
	handler MessageHandler

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new sync worker.
func NewWorker(config WorkerConfig, source MessageSource, handler MessageHandler) *Worker {
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = time.Second
	}
	return &Worker{
		config:  config,
		source:  source,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the consume loop.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting sync worker", "max_deliveries", w.config.MaxDeliveries)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop interrupts a pending read and waits for the message in flight to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("sync worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read from queue", "error", err)
			w.sleep(ctx, w.config.ErrorBackoff)
		}
	}
}

// Poll reads at most one message and handles it to completion.
// It reports whether a message was read.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	msg, err := w.source.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("next message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	// A message is never cancelled midway.
	w.processMessage(context.WithoutCancel(ctx), msg)
	return true, nil
}

func (w *Worker) processMessage(ctx context.Context, msg *queue.Message) {
	ctx = ctxlog.With(ctx, "message_id", msg.ID, "deliveries", msg.Deliveries)
	logger := ctxlog.FromContext(ctx)

	err := w.handleSafe(ctx, msg)
	if err == nil {
		if ackErr := w.source.Ack(ctx, msg); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
			recordDelivery("pending")
			return
		}
		recordDelivery("acked")
		return
	}

	switch {
	case IsPermanent(err):
		logger.Error("sync message rejected", "error", err)
		w.deadLetter(ctx, msg, err)
	case w.config.MaxDeliveries > 0 && msg.Deliveries >= w.config.MaxDeliveries:
		logger.Error("sync message exceeded max deliveries", "error", err)
		w.deadLetter(ctx, msg, fmt.Errorf("max deliveries exceeded: %w", err))
	default:
		// Left unacknowledged: the queue redelivers it after the idle timeout.
		logger.Warn("sync message failed, leaving for redelivery", "error", err)
		recordDelivery("pending")
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg *queue.Message, cause error) {
	if err := w.source.DeadLetter(ctx, msg, cause.Error()); err != nil {
		ctxlog.FromContext(ctx).Error("failed to dead-letter message", "error", err)
		recordDelivery("pending")
		return
	}
	recordDelivery("dead_lettered")
}

func (w *Worker) handleSafe(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("panic recovered in sync handler", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, msg.Body)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	case <-w.stopCh:
	}
}
