package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/services"

	"github.com/google/uuid"
)

type Queue interface {
	Receive(ctx context.Context, wait time.Duration) (services.Message, error)
	Publish(ctx context.Context, body []byte) error
}

type Executor interface {
	Execute(ctx context.Context, task *models.ConversionTask, cfg *config.Overlay, receivedAt time.Time) (*models.ConversionResponse, error)
}

// Aborter is implemented by executors that can stop their in-flight work
// before the process exits.
type Aborter interface {
	Abort() int
}

type Resolver interface {
	Resolve(tenant string) (*config.Overlay, error)
}

// Pool runs workers that each process one task at a time.
type Pool struct {
	queue     Queue
	converter Executor
	resolver  Resolver
	logger    *slog.Logger

	receiveWait  time.Duration
	errorBackoff time.Duration
	// exit terminates the process after the safety net fired.
	exit func(code int)
}

func NewPool(queue Queue, converter Executor, resolver Resolver, logger *slog.Logger) *Pool {
	return &Pool{
		queue:        queue,
		converter:    converter,
		resolver:     resolver,
		logger:       logger,
		receiveWait:  30 * time.Second,
		errorBackoff: 5 * time.Second,
		exit:         os.Exit,
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With("worker", workerID)
	logger.Info("starting worker")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
			msg, err := p.queue.Receive(ctx, p.receiveWait)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Error("queue receive failed", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(p.errorBackoff):
				}
				continue
			}
			if msg == nil {
				// Timeout, no tasks available
				continue
			}

			// in-flight tasks finish even when shutdown starts
			p.handle(context.WithoutCancel(ctx), logger, msg)
		}
	}
}

// handle processes one message. Every decoded task is answered and acked
// exactly once: by the pipeline, by the error path, or by the safety net
// that fires after the visibility timeout plus one download cycle.
func (p *Pool) handle(ctx context.Context, logger *slog.Logger, msg services.Message) {
	task, err := models.DecodeTask(msg.Body())
	if err != nil {
		logger.Error("failed to decode task", "error", err)
		if err := msg.Ack(ctx); err != nil {
			logger.Error("failed to ack malformed task", "error", err)
		}
		return
	}
	logger = logger.With("tenant", task.Tenant, "docId", task.DocID)

	var done atomic.Bool
	finish := func(resp *models.ConversionResponse) bool {
		if !done.CompareAndSwap(false, true) {
			return false
		}
		p.respond(ctx, logger, resp)
		if err := msg.Ack(ctx); err != nil {
			logger.Error("failed to ack task", "error", err)
		} else {
			logger.Info("task acked", "status", resp.Outcome.Status.String())
		}
		return true
	}

	cfg, err := p.resolver.Resolve(task.Tenant)
	if err != nil {
		logger.Error("failed to resolve tenant config", "error", err)
		finish(p.temporary(task))
		return
	}

	delay := time.Duration(task.VisibilityTimeout)*time.Second +
		cfg.Duration("converter.downloadTimeout.wholeCycle", 2*time.Minute)
	// a tenant may run longer than the queue-wide budget
	if err := msg.Extend(ctx, delay); err != nil {
		logger.Warn("failed to extend visibility deadline", "error", err)
	}
	timer := time.AfterFunc(delay, func() {
		logger.Error("task exceeded its time budget", "delay", delay)
		if finish(p.temporary(task)) {
			// sibling tasks stay unacked and are recovered from the
			// processing list; their engines must not outlive us
			if a, ok := p.converter.(Aborter); ok {
				logger.Warn("killing running engines", "count", a.Abort())
			}
			p.exit(1)
		}
	})

	resp, err := p.execute(ctx, task, cfg, msg.ReceivedAt())
	timer.Stop()
	if err != nil {
		logger.Error("task failed", "error", err)
		resp = p.temporary(task)
	}
	finish(resp)
}

func (p *Pool) execute(ctx context.Context, task *models.ConversionTask, cfg *config.Overlay, receivedAt time.Time) (resp *models.ConversionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.converter.Execute(ctx, task, cfg, receivedAt)
}

func (p *Pool) temporary(task *models.ConversionTask) *models.ConversionResponse {
	return models.NewStatusResponse(uuid.NewString(), *task, models.StatusTemporary, time.Now())
}

func (p *Pool) respond(ctx context.Context, logger *slog.Logger, resp *models.ConversionResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("failed to encode response", "error", err)
		return
	}
	if err := p.queue.Publish(ctx, body); err != nil {
		logger.Error("failed to publish response", "error", err)
	}
}
