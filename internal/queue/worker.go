package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Outcome is the tagged result of a job handler. Only Retry outcomes are
// retried; Done and Fail both acknowledge the job, the difference being
// purely what gets logged. Terminal business failures (bad credentials,
// platform rejected the booking) are recorded in the database by the
// handler itself and returned as Fail so the queue never retries something
// a re-run cannot fix.
type Outcome struct {
	retry error
	note  string
}

// Done acknowledges the job.
func Done(note string) Outcome { return Outcome{note: note} }

// Fail acknowledges the job as a terminal business failure.
func Fail(reason string) Outcome { return Outcome{note: "failed: " + reason} }

// Retry reports a transient infrastructure failure; the runner re-schedules
// the job with exponential backoff.
func Retry(err error) Outcome { return Outcome{retry: err} }

// Retryable returns the transient error, or nil when the job is
// acknowledged.
func (o Outcome) Retryable() error { return o.retry }

// Note returns the human-readable summary logged for acknowledged jobs.
func (o Outcome) Note() string { return o.note }

type Handler func(ctx context.Context, job Job) Outcome

// Worker pulls jobs from one queue with bounded concurrency and an optional
// rate limit on job starts.
type Worker struct {
	Client      *Client
	Queue       string
	Handler     Handler
	Concurrency int

	// Limiter caps job starts per second to stay under upstream
	// anti-abuse thresholds. Nil means unlimited.
	Limiter *rate.Limiter

	// MaxAttempts counts the first run; 3 means two retries.
	MaxAttempts int
	BackoffBase time.Duration
	Poll        time.Duration

	// Visibility is how long a claimed job stays invisible before the
	// reclaim sweep assumes its worker died and re-delivers it. Must be
	// comfortably longer than the slowest handler.
	Visibility time.Duration
}

func (w *Worker) Run(ctx context.Context) error {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 3
	}
	if w.BackoffBase <= 0 {
		w.BackoffBase = 5 * time.Second
	}
	if w.Poll <= 0 {
		w.Poll = 250 * time.Millisecond
	}
	if w.Visibility <= 0 {
		w.Visibility = 2 * time.Minute
	}

	sem := make(chan struct{}, w.Concurrency)
	t := time.NewTicker(w.Poll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// wait for in-flight jobs by taking every slot
			for i := 0; i < w.Concurrency; i++ {
				sem <- struct{}{}
			}
			return ctx.Err()
		case <-t.C:
			if n, err := w.Client.reclaim(ctx, w.Queue); err != nil {
				log.Printf("[%s] reclaim failed: %v", w.Queue, err)
			} else if n > 0 {
				log.Printf("[%s] re-delivered %d job(s) from dead workers", w.Queue, n)
			}
			w.fill(ctx, sem)
		}
	}
}

// fill claims due jobs until the queue is empty or all worker slots are busy.
func (w *Worker) fill(ctx context.Context, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return // all slots busy; try again next poll
		}

		job, ok, err := w.Client.claim(ctx, w.Queue, w.Visibility)
		if err != nil {
			<-sem
			log.Printf("[%s] claim failed: %v", w.Queue, err)
			return
		}
		if !ok {
			<-sem
			return
		}

		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				// shutting down; hand the claim back untouched
				_ = w.Client.release(context.WithoutCancel(ctx), w.Queue, job.ID)
				<-sem
				return
			}
		}

		go func(job Job) {
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	out := w.invoke(ctx, job)
	// queue bookkeeping must land even when the worker is shutting down,
	// or a finished job would be re-delivered after restart
	ctx = context.WithoutCancel(ctx)
	if out.retry == nil {
		if out.note != "" {
			log.Printf("[%s] job %s: %s", w.Queue, job.ID, out.note)
		}
		if err := w.Client.ack(ctx, w.Queue, job.ID); err != nil {
			// the job runs again after its visibility deadline; handlers
			// are idempotent against a finished job, so this only costs a
			// wasted re-run
			log.Printf("[%s] ack %s failed: %v", w.Queue, job.ID, err)
		}
		return
	}

	if job.Attempts+1 >= w.MaxAttempts {
		log.Printf("[%s] job %s dead after %d attempts: %v", w.Queue, job.ID, job.Attempts+1, out.retry)
		if err := w.Client.bury(ctx, w.Queue, job); err != nil {
			log.Printf("[%s] bury %s failed: %v", w.Queue, job.ID, err)
		}
		return
	}

	delay := w.BackoffBase << job.Attempts
	log.Printf("[%s] job %s attempt %d failed, retrying in %s: %v", w.Queue, job.ID, job.Attempts+1, delay, out.retry)
	if err := w.Client.requeue(ctx, w.Queue, job, delay); err != nil {
		log.Printf("[%s] requeue %s failed: %v", w.Queue, job.ID, err)
	}
}

// invoke runs the handler, converting a panic into a transient failure so
// one bad job cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.Handler(ctx, job)
}
