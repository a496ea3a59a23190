package permit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepLabels(t *testing.T) {
	t.Parallel()

	labels := map[Step]string{
		StepIntake:           "intake",
		StepAccountLookup:    "account_lookup",
		StepCaptchaChallenge: "captcha_challenge",
		StepCaptchaAnswer:    "captcha_answer",
		StepDetailForm:       "detail_form",
		StepDetailSubmit:     "detail_submit",
		StepFetchDocument:    "fetch_document",
	}
	for step, want := range labels {
		require.Equal(t, want, step.String())
	}
	require.Equal(t, "unknown", Step(99).String())
	require.Equal(t, StepIntake, FirstStep)
	require.Equal(t, StepFetchDocument, LastStep)
}

func TestItemStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, ItemStatusSucceeded.Terminal())
	require.True(t, ItemStatusFailed.Terminal())
	require.False(t, ItemStatusPending.Terminal())
	require.False(t, ItemStatusRunning.Terminal())
	require.False(t, ItemStatusAwaitingCaptcha.Terminal())
}

func TestFormPresent(t *testing.T) {
	t.Parallel()

	require.False(t, Form{}.Present())
	require.True(t, Form{Action: "https://portal.example.com/post"}.Present())
	require.True(t, Form{Fields: map[string]string{"token": "x"}}.Present())
}

func TestErrorClassifiers(t *testing.T) {
	t.Parallel()

	netErr := fmt.Errorf("step failed: %w",
		&NetworkError{Op: "fetch", URL: "https://portal.example.com", Err: context.DeadlineExceeded})
	require.True(t, IsNetworkError(netErr))
	require.ErrorIs(t, netErr, context.DeadlineExceeded)

	captcha := &PortalRejectedError{Captcha: true, Message: "Please Enter Valid Captcha Text"}
	require.True(t, IsCaptchaRejection(captcha))
	require.False(t, IsValidationRejection(captcha))

	validation := &PortalRejectedError{Message: "No records found"}
	require.True(t, IsValidationRejection(validation))
	require.False(t, IsCaptchaRejection(validation))

	require.False(t, IsNetworkError(captcha))
	require.False(t, IsCaptchaRejection(netErr))
}
