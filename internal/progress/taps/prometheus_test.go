package taps

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/progress"
)

func TestPrometheusTapCountsItemLifecycle(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	tap, err := NewPrometheusTap(registry)
	require.NoError(t, err)

	requestID := uuid.New()
	start := time.Now().UTC()

	tap.Observe(progress.Event{
		RequestID: requestID,
		Step:      permit.StepIntake,
		StepName:  permit.StepIntake.String(),
		Status:    permit.ItemStatusRunning,
		Phase:     progress.PhaseEnter,
		TS:        start,
	})
	require.Equal(t, 1.0, testutil.ToFloat64(tap.itemsRunning))

	tap.Observe(progress.Event{
		RequestID: requestID,
		Step:      permit.StepCaptchaAnswer,
		StepName:  permit.StepCaptchaAnswer.String(),
		Status:    permit.ItemStatusAwaitingCaptcha,
		Phase:     progress.PhaseEnter,
		TS:        start.Add(time.Second),
	})
	require.Equal(t, 1.0, testutil.ToFloat64(tap.captchaAttempts))

	tap.Observe(progress.Event{
		RequestID: requestID,
		Step:      permit.StepCaptchaAnswer,
		StepName:  permit.StepCaptchaAnswer.String(),
		Status:    permit.ItemStatusFailed,
		Phase:     progress.PhaseResult,
		Failure:   permit.FailureCaptchaExhausted,
		TS:        start.Add(2 * time.Second),
	})
	require.Equal(t, 0.0, testutil.ToFloat64(tap.itemsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(
		tap.itemsCompleted.WithLabelValues("failed", "captcha_exhausted")))

	// Step-entry timestamps are cleaned up when the item terminates.
	tap.mu.Lock()
	require.Empty(t, tap.entered)
	tap.mu.Unlock()
}

func TestPrometheusTapTerminalWithoutEnterKeepsGaugeBalanced(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	tap, err := NewPrometheusTap(registry)
	require.NoError(t, err)

	// Session setup failures terminate an item before any enter event.
	tap.Observe(progress.Event{
		RequestID: uuid.New(),
		Step:      permit.StepIntake,
		StepName:  permit.StepIntake.String(),
		Status:    permit.ItemStatusFailed,
		Phase:     progress.PhaseResult,
		Failure:   permit.FailureNetworkExhausted,
		TS:        time.Now().UTC(),
	})
	require.Equal(t, 0.0, testutil.ToFloat64(tap.itemsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(
		tap.itemsCompleted.WithLabelValues("failed", "network_exhausted")))
}

func TestPrometheusTapDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := NewPrometheusTap(registry)
	require.NoError(t, err)
	_, err = NewPrometheusTap(registry)
	require.Error(t, err)
}
