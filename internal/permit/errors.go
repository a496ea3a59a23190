package permit

import (
	"errors"
	"fmt"
)

// NetworkError marks a transient transport failure. The executor retries the
// same step with backoff, bounded by its retry budget.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UnexpectedContentError marks portal content that no longer matches the
// versioned page contract. It is fatal for the item and indicates drift an
// operator should look at.
type UnexpectedContentError struct {
	URL    string
	Reason string
}

func (e *UnexpectedContentError) Error() string {
	return fmt.Sprintf("unexpected portal content at %s: %s", e.URL, e.Reason)
}

// PortalRejectedError marks an explicit validation rejection by the portal.
// Captcha rejections are retryable with a fresh challenge; everything else
// means the supplied account data is wrong and is fatal for the item.
type PortalRejectedError struct {
	Captcha bool
	Message string
}

func (e *PortalRejectedError) Error() string {
	if e.Captcha {
		return fmt.Sprintf("portal rejected captcha answer: %s", e.Message)
	}
	return fmt.Sprintf("portal rejected submission: %s", e.Message)
}

// OcrServiceError marks a failure reaching or authenticating against the OCR
// backend (quota, auth, transport). It is outside workflow control and is not
// retried within the current attempt.
type OcrServiceError struct {
	StatusCode int
	Err        error
}

func (e *OcrServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ocr service error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ocr service error: %v", e.Err)
}

func (e *OcrServiceError) Unwrap() error { return e.Err }

// ErrCaptchaUnreadable is returned when the OCR backend responded normally
// but detected no text in the image. Distinct from OcrServiceError so callers
// can treat it as one spent captcha attempt rather than an outage.
var ErrCaptchaUnreadable = errors.New("no text detected in captcha image")

// IsNetworkError reports whether err wraps a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsCaptchaRejection reports whether err is a portal captcha rejection.
func IsCaptchaRejection(err error) bool {
	var pe *PortalRejectedError
	return errors.As(err, &pe) && pe.Captcha
}

// IsValidationRejection reports whether err is a non-captcha portal rejection.
func IsValidationRejection(err error) bool {
	var pe *PortalRejectedError
	return errors.As(err, &pe) && !pe.Captcha
}
