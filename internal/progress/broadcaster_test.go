package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/parkpass/permitd/internal/permit"
)

func eventForStep(requestID uuid.UUID, step permit.Step) Event {
	return Event{
		RequestID: requestID,
		Step:      step,
		StepName:  step.String(),
		Status:    permit.ItemStatusRunning,
		Phase:     PhaseEnter,
		TS:        time.Now().UTC(),
	}
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{BufferSize: 16})
	requestID := uuid.New()
	sub := b.Subscribe(requestID)
	defer b.Unsubscribe(sub)

	steps := []permit.Step{permit.StepIntake, permit.StepAccountLookup, permit.StepCaptchaChallenge}
	for _, step := range steps {
		b.Publish(eventForStep(requestID, step))
	}

	for _, want := range steps {
		select {
		case got := <-sub.Events():
			require.Equal(t, want, got.Step)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcasterIsolatesRequests(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{})
	mine := uuid.New()
	theirs := uuid.New()
	sub := b.Subscribe(mine)
	defer b.Unsubscribe(sub)

	b.Publish(eventForStep(theirs, permit.StepIntake))
	b.Publish(eventForStep(mine, permit.StepAccountLookup))

	select {
	case got := <-sub.Events():
		require.Equal(t, mine, got.RequestID)
		require.Equal(t, permit.StepAccountLookup, got.Step)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", got)
	default:
	}
}

func TestBroadcasterDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{BufferSize: 2})
	requestID := uuid.New()
	sub := b.Subscribe(requestID)
	defer b.Unsubscribe(sub)

	// Publish three events into a two-slot queue without draining.
	b.Publish(eventForStep(requestID, permit.StepIntake))
	b.Publish(eventForStep(requestID, permit.StepAccountLookup))
	b.Publish(eventForStep(requestID, permit.StepCaptchaChallenge))

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, permit.StepAccountLookup, first.Step, "oldest event should have been evicted")
	require.Equal(t, permit.StepCaptchaChallenge, second.Step)
}

func TestBroadcasterNeverBlocksPublisher(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{BufferSize: 1})
	requestID := uuid.New()
	sub := b.Subscribe(requestID)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(eventForStep(requestID, permit.StepIntake))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a full subscriber queue")
	}
}

func TestBroadcasterEndRequestClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(Config{})
	requestID := uuid.New()
	sub := b.Subscribe(requestID)

	b.EndRequest(requestID)

	select {
	case _, open := <-sub.Events():
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after EndRequest")
	}

	// Unsubscribe after close must be a safe no-op.
	b.Unsubscribe(sub)
}

func TestBroadcasterInvalidEventDiscarded(t *testing.T) {
	t.Parallel()

	tap := &recordingTap{}
	b := NewBroadcaster(Config{}, tap)
	b.Publish(Event{})

	require.Zero(t, tap.count())
}

func TestBroadcasterTapsSeeAllEvents(t *testing.T) {
	t.Parallel()

	tap := &recordingTap{}
	b := NewBroadcaster(Config{}, tap)

	// No subscription exists for this request; taps still observe.
	b.Publish(eventForStep(uuid.New(), permit.StepIntake))
	b.Publish(eventForStep(uuid.New(), permit.StepDetailForm))

	require.Equal(t, 2, tap.count())
}

type recordingTap struct {
	mu     sync.Mutex
	events []Event
}

func (t *recordingTap) Observe(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, evt)
}

func (t *recordingTap) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
