package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/progress"
)

// ErrRequestNotFound is returned for lookups of unknown request IDs.
var ErrRequestNotFound = errors.New("request not found")

// OrchestratorConfig bounds request-level behavior.
type OrchestratorConfig struct {
	// MaxItemsPerRequest caps how many permit items one request may carry.
	// The portal issues at most five guest permits per account per day.
	MaxItemsPerRequest int
	// MaxInFlight bounds how many items run concurrently per request
	// (default 3). Each item holds its own portal session.
	MaxInFlight int
	// Executor configures per-item retry budgets.
	Executor ExecutorConfig
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxItemsPerRequest <= 0 {
		c.MaxItemsPerRequest = 5
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 3
	}
	c.Executor = c.Executor.withDefaults()
	return c
}

// Orchestrator accepts permit requests and fans each request's items out to
// independent executors. Items never share sessions and one item's failure
// never interrupts its siblings.
type Orchestrator struct {
	factory permit.SessionFactory
	solver  permit.CaptchaSolver
	printer permit.Printer
	bus     *progress.Broadcaster
	clock   permit.Clock
	ids     permit.IDGenerator
	cfg     OrchestratorConfig
	logger  *zap.Logger

	mu       sync.Mutex
	requests map[uuid.UUID]*requestState
	closed   bool
	wg       sync.WaitGroup
}

type requestState struct {
	result permit.RequestResult
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(
	factory permit.SessionFactory,
	solver permit.CaptchaSolver,
	printer permit.Printer,
	bus *progress.Broadcaster,
	clock permit.Clock,
	ids permit.IDGenerator,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		factory:  factory,
		solver:   solver,
		printer:  printer,
		bus:      bus,
		clock:    clock,
		ids:      ids,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		requests: make(map[uuid.UUID]*requestState),
	}
}

// Submit validates the request, assigns it an ID, and starts its items in the
// background. The returned ID is immediately usable for event subscriptions
// and result polling.
func (o *Orchestrator) Submit(ctx context.Context, spec permit.RequestSpec) (uuid.UUID, error) {
	if err := o.validate(spec); err != nil {
		return uuid.Nil, err
	}

	requestID, err := o.ids.NewRequestID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("assign request id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := &requestState{
		cancel: cancel,
		done:   make(chan struct{}),
		result: permit.RequestResult{
			RequestID: requestID,
			Submitted: o.clock.Now(),
			DryRun:    spec.DryRun,
			Items:     make([]permit.ItemOutcome, spec.Count()),
		},
	}
	for i := range state.result.Items {
		state.result.Items[i] = permit.ItemOutcome{Index: i, Status: permit.ItemStatusPending}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return uuid.Nil, errors.New("orchestrator is shut down")
	}
	o.requests[requestID] = state
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("permit request accepted",
		zap.String("request_id", requestID.String()),
		zap.Int("items", spec.Count()),
		zap.Bool("dry_run", spec.DryRun),
		zap.Bool("auto_print", spec.AutoPrint),
	)

	go o.run(runCtx, requestID, spec, state)
	return requestID, nil
}

func (o *Orchestrator) validate(spec permit.RequestSpec) error {
	if spec.Count() < 1 || spec.Count() > o.cfg.MaxItemsPerRequest {
		return fmt.Errorf("item count must be between 1 and %d, got %d",
			o.cfg.MaxItemsPerRequest, spec.Count())
	}
	for i, item := range spec.Items {
		switch {
		case item.AccountNumber == "":
			return fmt.Errorf("item %d: account number is required", i)
		case item.ZipCode == "":
			return fmt.Errorf("item %d: zip code is required", i)
		case item.LastName == "":
			return fmt.Errorf("item %d: last name is required", i)
		case item.Email == "":
			return fmt.Errorf("item %d: email is required", i)
		}
	}
	return nil
}

// run executes every item of one request and seals the result. Item failures
// stay inside their executors; run itself never aborts early except through
// context cancellation, which the executors observe individually.
func (o *Orchestrator) run(ctx context.Context, requestID uuid.UUID, spec permit.RequestSpec, state *requestState) {
	defer o.wg.Done()
	defer state.cancel()

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxInFlight)
	for i := range spec.Items {
		index := i
		params := spec.Items[i]
		g.Go(func() error {
			outcome := o.runItem(ctx, requestID, index, params, spec)
			o.mu.Lock()
			state.result.Items[index] = outcome
			o.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	finished := o.clock.Now()
	o.mu.Lock()
	state.result.Finished = &finished
	state.result.Done = true
	succeeded := 0
	for _, item := range state.result.Items {
		if item.Status == permit.ItemStatusSucceeded {
			succeeded++
		}
	}
	o.mu.Unlock()

	o.logger.Info("permit request finished",
		zap.String("request_id", requestID.String()),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", spec.Count()-succeeded),
		zap.Duration("elapsed", finished.Sub(state.result.Submitted)),
	)

	// Late subscribers of a finished request get an immediately closed
	// channel instead of a silent hang.
	o.bus.EndRequest(requestID)
	close(state.done)
}

func (o *Orchestrator) runItem(ctx context.Context, requestID uuid.UUID, index int, params permit.ItemParams, spec permit.RequestSpec) permit.ItemOutcome {
	session, err := o.factory.NewSession()
	if err != nil {
		o.logger.Error("session setup failed",
			zap.String("request_id", requestID.String()),
			zap.Int("item", index),
			zap.Error(err),
		)
		outcome := permit.ItemOutcome{
			Index:     index,
			Status:    permit.ItemStatusFailed,
			Failure:   permit.FailureNetworkExhausted,
			ErrorText: fmt.Sprintf("session setup: %v", err),
			LastStep:  permit.FirstStep,
		}
		o.bus.Publish(progress.Event{
			RequestID: requestID,
			ItemIndex: index,
			Step:      permit.FirstStep,
			StepName:  permit.FirstStep.String(),
			Status:    permit.ItemStatusFailed,
			Phase:     progress.PhaseResult,
			Failure:   permit.FailureNetworkExhausted,
			Note:      "session setup failed",
			TS:        o.clock.Now(),
		})
		return outcome
	}

	exec := NewExecutor(
		requestID,
		index,
		params,
		spec.AutoPrint,
		spec.DryRun,
		session,
		o.solver,
		o.printer,
		o.bus,
		o.clock,
		o.cfg.Executor,
		o.logger,
	)
	return exec.Run(ctx)
}

// Result returns a snapshot of the request's current result. Items still in
// flight appear with their pending or running status.
func (o *Orchestrator) Result(requestID uuid.UUID) (permit.RequestResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.requests[requestID]
	if !ok {
		return permit.RequestResult{}, ErrRequestNotFound
	}
	snapshot := state.result
	snapshot.Items = append([]permit.ItemOutcome(nil), state.result.Items...)
	return snapshot, nil
}

// Cancel aborts a request's in-flight items. Already-finished items keep
// their outcomes; pending items terminate with the canceled failure kind.
// Canceling a finished request is a no-op.
func (o *Orchestrator) Cancel(requestID uuid.UUID) error {
	o.mu.Lock()
	state, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}
	state.cancel()
	return nil
}

// WaitRequest blocks until the request finishes or ctx expires.
func (o *Orchestrator) WaitRequest(ctx context.Context, requestID uuid.UUID) error {
	o.mu.Lock()
	state, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every in-flight request and waits for their goroutines to
// drain. Further submissions are rejected.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, state := range o.requests {
		state.cancel()
	}
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

// Prune drops finished requests older than maxAge so the in-memory request
// table does not grow without bound. Returns the number pruned.
func (o *Orchestrator) Prune(maxAge time.Duration) int {
	cutoff := o.clock.Now().Add(-maxAge)
	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := 0
	for id, state := range o.requests {
		if state.result.Done && state.result.Finished != nil && state.result.Finished.Before(cutoff) {
			delete(o.requests, id)
			pruned++
		}
	}
	return pruned
}
