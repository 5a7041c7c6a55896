// Package query runs ad-hoc queries against the content repository and
// reports the backend plan alongside phase timings.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/metrics"
)

const (
	DefaultLimit     = 1000
	DefaultReadLimit = 100000
)

// notReached is reported for a phase that never completed
const notReached int64 = -1

// Backend is the part of the repository the runner needs
type Backend interface {
	Explain(ctx context.Context, query string) (*content.Plan, error)
	Query(ctx context.Context, query string) (content.Cursor, error)
	NodeExists(ctx context.Context, path string) (bool, error)
}

// Filter decides which result paths the caller may see
type Filter interface {
	CanRead(path string) bool
}

// restricted reports whether results for filter must name stored nodes.
// Filters with an Unrestricted method returning true are exempt.
func restricted(filter Filter) bool {
	if filter == nil {
		return false
	}
	u, ok := filter.(interface{ Unrestricted() bool })
	return !ok || !u.Unrestricted()
}

type Options struct {
	// FailTraversal refuses queries the backend would answer with a scan
	FailTraversal bool `mapstructure:"failTraversal"`
	// ReadLimit caps the rows read from the backend, readable or not
	ReadLimit    int `mapstructure:"readLimit" validate:"gte=0"`
	DefaultLimit int `mapstructure:"defaultLimit" validate:"gte=0"`
}

// Request is a validated query request
type Request struct {
	Query string `validate:"required"`
	Limit int    `validate:"gt=0"`
}

var validate = validator.New()

func (r Request) Validate() error {
	return validate.Struct(r)
}

// Result is the query envelope returned to callers
type Result struct {
	Query             string   `json:"query"`
	Limit             int      `json:"limit"`
	Plan              string   `json:"plan"`
	ExecutionDuration int64    `json:"executionDuration"`
	IterationDuration int64    `json:"iterationDuration"`
	Results           []string `json:"results"`
	CaughtException   string   `json:"caughtException"`

	// Err is set when the run failed. It is an *ExecutionError.
	Err error `json:"-"`
}

// Runner executes queries in two timed phases
type Runner struct {
	backend Backend
	opts    Options
}

func NewRunner(backend Backend, opts Options) *Runner {
	if opts.ReadLimit == 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = DefaultLimit
	}
	return &Runner{backend: backend, opts: opts}
}

func (r *Runner) DefaultLimit() int {
	return r.opts.DefaultLimit
}

// Run explains and executes req, collecting at most req.Limit paths that
// filter allows. A nil filter allows every path. For restricted filters a
// path is only returned when it names a stored node. Backend failures are
// reported in the result, never returned.
func (r *Runner) Run(ctx context.Context, req Request, filter Filter) *Result {
	result := &Result{
		Query:             req.Query,
		Limit:             req.Limit,
		ExecutionDuration: notReached,
		IterationDuration: notReached,
		Results:           []string{},
	}

	start := time.Now()
	plan, err := r.backend.Explain(ctx, req.Query)
	if err != nil {
		metrics.ObserveExecution(metrics.OutcomeFailure, time.Since(start))
		return r.fail(result, PhasePlan, err)
	}
	result.Plan = plan.Text

	if r.opts.FailTraversal && plan.Traversal {
		metrics.ObserveExecution(metrics.OutcomeRefused, time.Since(start))
		return r.fail(result, PhasePlan, fmt.Errorf("%w: %s", ErrTraversal, req.Query))
	}

	cursor, err := r.backend.Query(ctx, req.Query)
	if err != nil {
		metrics.ObserveExecution(metrics.OutcomeFailure, time.Since(start))
		return r.fail(result, PhaseExecute, err)
	}
	execution := time.Since(start)
	result.ExecutionDuration = execution.Milliseconds()
	metrics.ObserveExecution(metrics.OutcomeSuccess, execution)

	start = time.Now()
	read, err := r.collect(ctx, cursor, req.Limit, filter, result)
	cursor.Close(ctx)
	if restricted(filter) {
		if verr := r.keepStored(ctx, result); verr != nil && err == nil {
			err = verr
		}
	}
	metrics.AddRowsRead(read)
	iteration := time.Since(start)
	if err != nil {
		var limitErr *ReadLimitError
		if len(result.Results) > 0 || errors.As(err, &limitErr) {
			result.IterationDuration = iteration.Milliseconds()
		}
		metrics.ObserveIteration(metrics.OutcomeFailure, iteration)
		return r.fail(result, PhaseIterate, err)
	}
	result.IterationDuration = iteration.Milliseconds()
	metrics.ObserveIteration(metrics.OutcomeSuccess, iteration)

	log.WithFields(log.Fields{
		"results":   len(result.Results),
		"read":      read,
		"execution": result.ExecutionDuration,
		"iteration": result.IterationDuration,
	}).Debugf("Ran query %s", req.Query)
	return result
}

// collect walks the cursor and returns how many rows it read
func (r *Runner) collect(ctx context.Context, cursor content.Cursor, limit int, filter Filter, result *Result) (int, error) {
	read := 0
	for len(result.Results) < limit && cursor.Next(ctx) {
		read++
		if read > r.opts.ReadLimit {
			return read - 1, &ReadLimitError{Limit: r.opts.ReadLimit}
		}
		path := cursor.Path()
		if filter != nil && !filter.CanRead(path) {
			continue
		}
		result.Results = append(result.Results, path)
	}
	return read, cursor.Err()
}

// keepStored drops result paths that name no stored node. The cursor must be
// closed first: an in-memory SQLite repository has a single connection.
func (r *Runner) keepStored(ctx context.Context, result *Result) error {
	kept := result.Results[:0]
	for _, path := range result.Results {
		ok, err := r.backend.NodeExists(ctx, path)
		if err != nil {
			result.Results = []string{}
			return err
		}
		if ok {
			kept = append(kept, path)
		}
	}
	result.Results = kept
	return nil
}

func (r *Runner) fail(result *Result, phase Phase, err error) *Result {
	execErr := &ExecutionError{Phase: phase, Err: err}
	result.Err = execErr
	result.CaughtException = execErr.Error()
	log.WithField("phase", phase).Infof("Failed to run query %s: %v", result.Query, err)
	return result
}
