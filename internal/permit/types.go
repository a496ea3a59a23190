// Package permit defines core types shared across subsystems.
package permit

import (
	"time"

	"github.com/google/uuid"
)

// Step identifies one of the portal-defined pages in the fixed sequence.
type Step int

// Portal step sequence. The numbering is part of the external contract and
// must be re-verified if the portal changes.
const (
	StepIntake Step = iota + 1
	StepAccountLookup
	StepCaptchaChallenge
	StepCaptchaAnswer
	StepDetailForm
	StepDetailSubmit
	StepFetchDocument

	FirstStep = StepIntake
	LastStep  = StepFetchDocument
)

// String returns a short label for event streams and logs.
func (s Step) String() string {
	switch s {
	case StepIntake:
		return "intake"
	case StepAccountLookup:
		return "account_lookup"
	case StepCaptchaChallenge:
		return "captcha_challenge"
	case StepCaptchaAnswer:
		return "captcha_answer"
	case StepDetailForm:
		return "detail_form"
	case StepDetailSubmit:
		return "detail_submit"
	case StepFetchDocument:
		return "fetch_document"
	default:
		return "unknown"
	}
}

// ItemStatus represents the lifecycle state of a single permit item.
type ItemStatus string

// Item status values reported in outcomes and progress events.
const (
	ItemStatusPending         ItemStatus = "pending"
	ItemStatusRunning         ItemStatus = "running"
	ItemStatusAwaitingCaptcha ItemStatus = "awaiting_captcha"
	ItemStatusSucceeded       ItemStatus = "succeeded"
	ItemStatusFailed          ItemStatus = "failed"
)

// Terminal reports whether the status is final for an item.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed
}

// FailureKind classifies why an item reached the failed state.
type FailureKind string

// Failure kinds attached to terminal failed outcomes.
const (
	FailureNone               FailureKind = ""
	FailureCaptchaExhausted   FailureKind = "captcha_exhausted"
	FailureNetworkExhausted   FailureKind = "network_exhausted"
	FailureValidationRejected FailureKind = "validation_rejected"
	FailureContractDrift      FailureKind = "contract_drift"
	FailureOcrUnavailable     FailureKind = "ocr_unavailable"
	FailureCanceled           FailureKind = "canceled"
)

// ItemParams carries the portal account fields for one item. The fields are
// usually identical across items in a request, but they are modeled per item
// so the portal may require per-item variation without an API change.
type ItemParams struct {
	AccountNumber string `json:"account_number"`
	ZipCode       string `json:"zip_code"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
}

// RequestSpec captures one user-initiated unit of work covering N items.
type RequestSpec struct {
	Items     []ItemParams `json:"items"`
	AutoPrint bool         `json:"auto_print"`
	DryRun    bool         `json:"dry_run"`
}

// Count returns the number of items in the request.
func (r RequestSpec) Count() int { return len(r.Items) }

// ItemOutcome is the terminal result for one item.
type ItemOutcome struct {
	Index       int         `json:"index"`
	Status      ItemStatus  `json:"status"`
	Failure     FailureKind `json:"failure,omitempty"`
	ErrorText   string      `json:"error_text,omitempty"`
	Note        string      `json:"note,omitempty"`
	LastStep    Step        `json:"last_step"`
	Document    []byte      `json:"-"`
	HasDocument bool        `json:"has_document"`
}

// RequestResult aggregates per-item outcomes. A partial-failure outcome is
// valid; the request never collapses into a single pass/fail.
type RequestResult struct {
	RequestID uuid.UUID     `json:"request_id"`
	Submitted time.Time     `json:"submitted_at"`
	Finished  *time.Time    `json:"finished_at,omitempty"`
	Done      bool          `json:"done"`
	DryRun    bool          `json:"dry_run"`
	Items     []ItemOutcome `json:"items"`
}

// Form is the schema extracted from one portal page: the action URL, the
// submit method, and every named input with its current value. Hidden token
// fields ride along in Fields and must be echoed back on submit.
type Form struct {
	Action string
	Method string
	Fields map[string]string
}

// Present reports whether the page actually carried a form.
func (f Form) Present() bool { return f.Action != "" || len(f.Fields) > 0 }

// Page is the parsed result of one portal interaction.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Form       Form
	// CaptchaURL is the absolute URL of the captcha image, when present.
	CaptchaURL string
	// DocumentLinks are permit document URLs extracted from javascript hrefs.
	DocumentLinks []string
}
