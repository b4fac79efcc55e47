package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/stocklinkhq/stocklink-backend/pkg/errors"
	"github.com/stocklinkhq/stocklink-backend/pkg/logger"
	"github.com/stocklinkhq/stocklink-backend/pkg/metrics"
)

// Handler processes one job. A returned error triggers the retry policy
// when the error is retryable.
type Handler func(ctx context.Context, job *Job) error

// ConsumerParams configure a queue consumer.
type ConsumerParams struct {
	Queue        *Queue
	Handler      Handler
	Concurrency  int
	PollInterval time.Duration
	Logger       *logger.Logger
	Metrics      *metrics.SyncMetrics
}

// Consumer pulls jobs from one queue and runs them on a bounded worker set.
type Consumer struct {
	queue   *Queue
	handler Handler
	slots   chan struct{}
	poll    time.Duration
	logg    *logger.Logger
	metrics *metrics.SyncMetrics

	active  atomic.Int64
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewConsumer validates the params and builds a consumer.
func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	if params.Handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := params.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Consumer{
		queue:   params.Queue,
		handler: params.Handler,
		slots:   make(chan struct{}, concurrency),
		poll:    poll,
		logg:    params.Logger,
		metrics: params.Metrics,
		closing: make(chan struct{}),
	}, nil
}

// Active reports the number of in-flight jobs.
func (c *Consumer) Active() int64 {
	return c.active.Load()
}

// Run fetches and dispatches jobs until the context is canceled or Close is
// called. Fetch errors back off on the poll interval instead of aborting.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-c.closing:
			c.wg.Wait()
			return nil
		case c.slots <- struct{}{}:
		}

		job, err := c.queue.Dequeue(ctx)
		if err != nil {
			<-c.slots
			c.logg.Error(ctx, fmt.Sprintf("queue %s fetch failed", c.queue.Name()), err)
			if !c.sleep(ctx) {
				c.wg.Wait()
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			<-c.slots
			if !c.sleep(ctx) {
				c.wg.Wait()
				return ctx.Err()
			}
			continue
		}

		c.wg.Add(1)
		c.active.Add(1)
		go func(job *Job) {
			defer func() {
				c.active.Add(-1)
				c.wg.Done()
				<-c.slots
			}()
			c.process(ctx, job)
		}(job)
	}
}

// Close stops job acceptance and waits for in-flight jobs to finish.
func (c *Consumer) Close() {
	c.once.Do(func() { close(c.closing) })
	c.wg.Wait()
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.closing:
		return true
	case <-time.After(c.poll):
		return true
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	jobCtx := c.logg.WithFields(ctx, map[string]any{
		"queue":   c.queue.Name(),
		"job_id":  job.ID,
		"job":     job.Name,
		"attempt": job.Attempts,
	})

	start := time.Now()
	err := c.runHandler(jobCtx, job)
	duration := time.Since(start)
	c.metrics.ObserveJob(c.queue.Name(), duration, err == nil)

	if err == nil {
		if completeErr := c.queue.Complete(ctx, job); completeErr != nil {
			c.logg.Error(jobCtx, "failed to record job completion", completeErr)
		}
		c.logg.Debug(jobCtx, "job completed")
		return
	}

	retryable := pkgerrors.Retryable(err)
	retried, failErr := c.queue.Fail(ctx, job, err, retryable)
	if failErr != nil {
		c.logg.Error(jobCtx, "failed to record job failure", failErr)
	}
	if retried {
		c.logg.Warn(c.logg.WithField(jobCtx, "error", err.Error()), "job failed; retry scheduled")
		return
	}
	c.logg.Error(jobCtx, "job failed permanently", err)
}

func (c *Consumer) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in job handler: %v", rec)
		}
	}()
	return c.handler(ctx, job)
}
