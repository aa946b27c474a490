// Package executor runs install jobs with bounded concurrency.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/state/types"
)

// DefaultLimit is the number of jobs run at once when no limit is set.
const DefaultLimit = 50

// Job is one unit of work producing exactly one result.
type Job struct {
	// Key serializes jobs: two jobs with the same key never run at once.
	Key string

	// Target, Instance and Version label the result when Run cannot
	// produce one.
	Target   string
	Instance string
	Version  string

	Run func(ctx context.Context) *types.InstallResult
}

// Options configures the executor.
type Options struct {
	// Limit is the max number of concurrent jobs
	Limit int

	Logger log.FieldLogger
}

// DefaultOptions returns default executor options.
func DefaultOptions() Options {
	return Options{Limit: DefaultLimit}
}

// Executor runs jobs under a concurrency limit.
type Executor struct {
	options Options
	logger  log.FieldLogger
}

// NewExecutor creates a new executor.
func NewExecutor(options Options) *Executor {
	if options.Limit <= 0 {
		options.Limit = DefaultLimit
	}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{options: options, logger: logger}
}

// Limit returns the effective concurrency limit.
func (e *Executor) Limit() int {
	return e.options.Limit
}

// Execute starts jobs and returns a channel that yields one result per job
// in completion order. The channel is closed after the last result.
//
// A single job runs before Execute returns. With a limit of one, jobs run
// one after another in the order given.
func (e *Executor) Execute(ctx context.Context, jobs []Job) <-chan *types.InstallResult {
	out := make(chan *types.InstallResult, len(jobs))

	switch {
	case len(jobs) == 0:
		close(out)
	case len(jobs) == 1:
		out <- e.run(ctx, jobs[0])
		close(out)
	case e.options.Limit == 1:
		go func() {
			defer close(out)
			for _, job := range jobs {
				out <- e.run(ctx, job)
			}
		}()
	default:
		e.executeParallel(ctx, jobs, out)
	}
	return out
}

func (e *Executor) executeParallel(ctx context.Context, jobs []Job, out chan<- *types.InstallResult) {
	sem := semaphore.NewWeighted(int64(e.options.Limit))
	keys := NewKeyLocks()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()

			// Wait for the host before taking a slot so a queued job for a
			// busy host never holds capacity.
			unlock := keys.Lock(job.Key)
			defer unlock()

			if err := sem.Acquire(ctx, 1); err != nil {
				out <- e.failed(job, errors.Wrap(errors.ErrCodeInternal, "install was not started", err))
				return
			}
			defer sem.Release(1)

			out <- e.run(ctx, job)
		}(job)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
}

func (e *Executor) run(ctx context.Context, job Job) (res *types.InstallResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("host", job.Target).Errorf("install panicked: %v", r)
			res = e.failed(job, errors.Newf(errors.ErrCodeInternal, "unexpected failure: %v", r))
		}
	}()

	if job.Run == nil {
		return e.failed(job, errors.New(errors.ErrCodeInternal, "job has nothing to run"))
	}
	res = job.Run(ctx)
	if res == nil {
		res = e.failed(job, errors.New(errors.ErrCodeInternal, "install produced no result"))
	}
	return res
}

func (e *Executor) failed(job Job, err error) *types.InstallResult {
	res := types.NewInstallResult(job.Target, job.Instance, job.Version)
	res.AddNote(err.Error())
	res.Fail(types.StatusFailed, string(errors.CodeOf(err)), err)
	return res
}

// Collect drains ch into a slice.
func Collect(ch <-chan *types.InstallResult) []*types.InstallResult {
	var results []*types.InstallResult
	for r := range ch {
		results = append(results, r)
	}
	return results
}

// Summary counts results by status.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Blocked   int
	Abandoned int
	Restarted int
}

// Summarize tallies results.
func Summarize(results []*types.InstallResult) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		switch r.Status {
		case types.StatusSucceeded:
			s.Succeeded++
		case types.StatusBlocked:
			s.Blocked++
		case types.StatusAbandoned:
			s.Abandoned++
		default:
			s.Failed++
		}
		if r.Restarted {
			s.Restarted++
		}
	}
	return s
}

// Success reports whether every result succeeded.
func (s Summary) Success() bool {
	return s.Total > 0 && s.Succeeded == s.Total
}

func (s Summary) String() string {
	parts := []string{fmt.Sprintf("%d succeeded", s.Succeeded)}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	if s.Blocked > 0 {
		parts = append(parts, fmt.Sprintf("%d blocked", s.Blocked))
	}
	if s.Abandoned > 0 {
		parts = append(parts, fmt.Sprintf("%d abandoned", s.Abandoned))
	}
	return fmt.Sprintf("%d target(s): %s", s.Total, strings.Join(parts, ", "))
}

// KeyLocks hands out one mutex per key.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key is free and returns the function that frees it.
// An empty key is never held.
func (k *KeyLocks) Lock(key string) func() {
	if key == "" {
		return func() {}
	}
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
