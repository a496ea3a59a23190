package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/progress"
)

type stubIDs struct{}

func (stubIDs) NewRequestID() (uuid.UUID, error) { return uuid.NewV7() }

// stubFactory hands out scripted sessions in creation order.
type stubFactory struct {
	mu       sync.Mutex
	sessions []permit.Session
	err      error
	created  int
}

func (f *stubFactory) NewSession() (permit.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.created < len(f.sessions) {
		s := f.sessions[f.created]
		f.created++
		return s, nil
	}
	f.created++
	return &fakePortal{}, nil
}

// gatedPortal delays its first interaction until the gate opens, so tests can
// subscribe before any event is published.
type gatedPortal struct {
	fakePortal
	gate <-chan struct{}
}

func (g *gatedPortal) Fetch(ctx context.Context, url string) (permit.Page, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return permit.Page{}, &permit.NetworkError{Op: "fetch", URL: url, Err: ctx.Err()}
	}
	return g.fakePortal.Fetch(ctx, url)
}

func newTestOrchestrator(factory *stubFactory, bus *progress.Broadcaster) *Orchestrator {
	return NewOrchestrator(
		factory,
		&stubSolver{},
		&stubPrinter{},
		bus,
		fixedClock{now: time.Date(2026, time.March, 7, 9, 0, 0, 0, time.UTC)},
		stubIDs{},
		OrchestratorConfig{
			MaxItemsPerRequest: 5,
			MaxInFlight:        3,
			Executor:           testExecutorConfig(),
		},
		nil,
	)
}

func twoItemSpec() permit.RequestSpec {
	item := permit.ItemParams{AccountNumber: "12345", ZipCode: "90401", LastName: "Doe", Email: "doe@example.com"}
	return permit.RequestSpec{Items: []permit.ItemParams{item, item}}
}

func TestOrchestratorRunsAllItems(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	factory := &stubFactory{sessions: []permit.Session{
		&gatedPortal{gate: gate},
		&gatedPortal{gate: gate},
	}}
	bus := progress.NewBroadcaster(progress.Config{})
	orch := newTestOrchestrator(factory, bus)

	requestID, err := orch.Submit(context.Background(), twoItemSpec())
	require.NoError(t, err)

	sub := bus.Subscribe(requestID)
	close(gate)

	terminals := 0
	seen := map[int][]permit.Step{}
	for evt := range sub.Events() {
		seen[evt.ItemIndex] = append(seen[evt.ItemIndex], evt.Step)
		if evt.Terminal() {
			terminals++
		}
	}
	require.Equal(t, 2, terminals, "exactly one terminal event per item")
	for index, steps := range seen {
		for i := 1; i < len(steps); i++ {
			require.GreaterOrEqual(t, steps[i], steps[i-1],
				"steps for item %d must be monotonic", index)
		}
	}

	require.NoError(t, orch.WaitRequest(context.Background(), requestID))
	result, err := orch.Result(requestID)
	require.NoError(t, err)
	require.True(t, result.Done)
	require.NotNil(t, result.Finished)
	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		require.Equal(t, permit.ItemStatusSucceeded, item.Status)
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{sessions: []permit.Session{
		&fakePortal{failValidation: true},
		&fakePortal{},
	}}
	bus := progress.NewBroadcaster(progress.Config{})
	orch := newTestOrchestrator(factory, bus)

	requestID, err := orch.Submit(context.Background(), twoItemSpec())
	require.NoError(t, err)
	require.NoError(t, orch.WaitRequest(context.Background(), requestID))

	result, err := orch.Result(requestID)
	require.NoError(t, err)
	require.True(t, result.Done)

	var succeeded, failed int
	for _, item := range result.Items {
		switch item.Status {
		case permit.ItemStatusSucceeded:
			succeeded++
		case permit.ItemStatusFailed:
			failed++
			require.Equal(t, permit.FailureValidationRejected, item.Failure)
		}
	}
	require.Equal(t, 1, succeeded, "one item's failure must not sink its sibling")
	require.Equal(t, 1, failed)
}

func TestOrchestratorValidatesSpec(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&stubFactory{}, progress.NewBroadcaster(progress.Config{}))

	_, err := orch.Submit(context.Background(), permit.RequestSpec{})
	require.Error(t, err, "empty request rejected")

	item := permit.ItemParams{AccountNumber: "12345", ZipCode: "90401", LastName: "Doe", Email: "doe@example.com"}
	over := permit.RequestSpec{Items: []permit.ItemParams{item, item, item, item, item, item}}
	_, err = orch.Submit(context.Background(), over)
	require.Error(t, err, "six items exceed the portal cap")

	missing := permit.RequestSpec{Items: []permit.ItemParams{{ZipCode: "90401", LastName: "Doe", Email: "doe@example.com"}}}
	_, err = orch.Submit(context.Background(), missing)
	require.ErrorContains(t, err, "account number")
}

func TestOrchestratorCancelTerminatesItems(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{}) // never opened: items stall on their first fetch
	factory := &stubFactory{sessions: []permit.Session{
		&gatedPortal{gate: gate},
		&gatedPortal{gate: gate},
	}}
	bus := progress.NewBroadcaster(progress.Config{})
	orch := newTestOrchestrator(factory, bus)

	requestID, err := orch.Submit(context.Background(), twoItemSpec())
	require.NoError(t, err)
	require.NoError(t, orch.Cancel(requestID))

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.WaitRequest(waitCtx, requestID))

	result, err := orch.Result(requestID)
	require.NoError(t, err)
	require.True(t, result.Done)
	for _, item := range result.Items {
		require.Equal(t, permit.ItemStatusFailed, item.Status)
		require.Equal(t, permit.FailureCanceled, item.Failure)
	}
}

func TestOrchestratorSessionFactoryFailure(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{err: errors.New("connection pool exhausted")}
	bus := progress.NewBroadcaster(progress.Config{})
	orch := newTestOrchestrator(factory, bus)

	spec := twoItemSpec()
	spec.Items = spec.Items[:1]
	requestID, err := orch.Submit(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, orch.WaitRequest(context.Background(), requestID))

	result, err := orch.Result(requestID)
	require.NoError(t, err)
	require.Equal(t, permit.ItemStatusFailed, result.Items[0].Status)
	require.Equal(t, permit.FailureNetworkExhausted, result.Items[0].Failure)
}

func TestOrchestratorUnknownRequest(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&stubFactory{}, progress.NewBroadcaster(progress.Config{}))

	_, err := orch.Result(uuid.New())
	require.ErrorIs(t, err, ErrRequestNotFound)
	require.ErrorIs(t, orch.Cancel(uuid.New()), ErrRequestNotFound)
	require.ErrorIs(t, orch.WaitRequest(context.Background(), uuid.New()), ErrRequestNotFound)
}

func TestOrchestratorPrune(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	orch := newTestOrchestrator(factory, progress.NewBroadcaster(progress.Config{}))

	spec := twoItemSpec()
	spec.Items = spec.Items[:1]
	requestID, err := orch.Submit(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, orch.WaitRequest(context.Background(), requestID))

	require.Equal(t, 1, orch.Prune(-time.Hour), "finished request older than cutoff is pruned")
	_, err = orch.Result(requestID)
	require.ErrorIs(t, err, ErrRequestNotFound)
}

func TestOrchestratorCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&stubFactory{}, progress.NewBroadcaster(progress.Config{}))
	require.NoError(t, orch.Close(context.Background()))

	_, err := orch.Submit(context.Background(), twoItemSpec())
	require.Error(t, err)
}
