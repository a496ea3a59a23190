// Package workflow implements the per-item step executor and the request
// orchestrator that fans permit items out over isolated portal sessions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parkpass/permitd/internal/permit"
	"github.com/parkpass/permitd/internal/portal"
	"github.com/parkpass/permitd/internal/progress"
)

// ExecutorConfig bounds retry behavior for one item.
type ExecutorConfig struct {
	// IntakeURL is the absolute URL of the portal intake form.
	IntakeURL string
	// CaptchaAttempts bounds captcha solve/submit cycles (default 5).
	CaptchaAttempts int
	// NetworkRetries bounds transport attempts per fetch (default 3).
	NetworkRetries int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.CaptchaAttempts <= 0 {
		c.CaptchaAttempts = 5
	}
	if c.NetworkRetries <= 0 {
		c.NetworkRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// captchaFormat is the portal's captcha alphabet: exactly five digits. OCR
// output failing this check cannot be accepted by the portal, so submitting
// it would only burn a round trip; it still consumes a captcha attempt.
var captchaFormat = regexp.MustCompile(`^\d{5}$`)

// Executor drives the seven portal steps for exactly one permit item. It owns
// the item's session for the item's entire lifetime and is the only writer of
// the item's state.
type Executor struct {
	requestID uuid.UUID
	index     int
	params    permit.ItemParams
	autoPrint bool
	dryRun    bool

	session permit.Session
	solver  permit.CaptchaSolver
	printer permit.Printer
	emitter progress.Emitter
	clock   permit.Clock
	cfg     ExecutorConfig
	logger  *zap.Logger

	outcome permit.ItemOutcome
}

// NewExecutor constructs an Executor for one item. The session must be fresh
// and is closed by Run regardless of outcome.
func NewExecutor(
	requestID uuid.UUID,
	index int,
	params permit.ItemParams,
	autoPrint bool,
	dryRun bool,
	session permit.Session,
	solver permit.CaptchaSolver,
	printer permit.Printer,
	emitter progress.Emitter,
	clock permit.Clock,
	cfg ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		requestID: requestID,
		index:     index,
		params:    params,
		autoPrint: autoPrint,
		dryRun:    dryRun,
		session:   session,
		solver:    solver,
		printer:   printer,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		outcome:   permit.ItemOutcome{Index: index, Status: permit.ItemStatusPending},
	}
}

// Run executes the item workflow to a terminal state. It never returns an
// error: every failure is converted into a failed outcome carrying its
// taxonomy kind, and exactly one terminal progress event is emitted either
// way. The session is closed on return regardless of outcome.
func (e *Executor) Run(ctx context.Context) permit.ItemOutcome {
	defer e.session.Close()
	e.outcome.Status = permit.ItemStatusRunning

	intake, ok := e.stepIntake(ctx)
	if !ok {
		return e.outcome
	}
	lookup, ok := e.stepAccountLookup(ctx, intake)
	if !ok {
		return e.outcome
	}
	captchaURL := lookup.CaptchaURL
	if captchaURL == "" {
		captchaURL = intake.CaptchaURL
	}
	image, ok := e.stepCaptchaChallenge(ctx, captchaURL)
	if !ok {
		return e.outcome
	}
	answered, ok := e.stepCaptchaAnswer(ctx, lookup.Form, captchaURL, image)
	if !ok {
		return e.outcome
	}
	detail, ok := e.stepDetailForm(ctx, answered)
	if !ok {
		return e.outcome
	}
	confirmed, ok := e.stepDetailSubmit(ctx, detail)
	if !ok {
		return e.outcome
	}
	e.stepFetchDocument(ctx, confirmed)
	return e.outcome
}

// stepIntake loads the intake form page (step 1).
func (e *Executor) stepIntake(ctx context.Context) (permit.Page, bool) {
	e.enter(permit.StepIntake, permit.ItemStatusRunning, "")
	var page permit.Page
	err := e.fetchWithRetry(ctx, func(ctx context.Context) error {
		fetched, fetchErr := e.session.Fetch(ctx, e.cfg.IntakeURL)
		if fetchErr != nil {
			return fetchErr
		}
		if formErr := portal.RequireForm(fetched); formErr != nil {
			return formErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		return permit.Page{}, e.fail(permit.StepIntake, err)
	}
	e.result(permit.StepIntake, permit.ItemStatusRunning, "")
	return page, true
}

// stepAccountLookup submits the account fields (step 2). A validation
// rejection here is fatal and must happen before any captcha work.
func (e *Executor) stepAccountLookup(ctx context.Context, intake permit.Page) (permit.Page, bool) {
	e.enter(permit.StepAccountLookup, permit.ItemStatusRunning, "")
	page, err := e.session.Submit(ctx, intake.Form, portal.AccountFields(e.params))
	if err != nil {
		return permit.Page{}, e.fail(permit.StepAccountLookup, err)
	}
	e.result(permit.StepAccountLookup, permit.ItemStatusRunning, "")
	return page, true
}

// stepCaptchaChallenge downloads the captcha image (step 3).
func (e *Executor) stepCaptchaChallenge(ctx context.Context, captchaURL string) ([]byte, bool) {
	e.enter(permit.StepCaptchaChallenge, permit.ItemStatusAwaitingCaptcha, "")
	if captchaURL == "" {
		err := &permit.UnexpectedContentError{URL: e.cfg.IntakeURL, Reason: "captcha image not found"}
		return nil, e.fail(permit.StepCaptchaChallenge, err)
	}
	image, err := e.fetchAssetWithRetry(ctx, captchaURL)
	if err != nil {
		return nil, e.fail(permit.StepCaptchaChallenge, err)
	}
	e.result(permit.StepCaptchaChallenge, permit.ItemStatusAwaitingCaptcha, "")
	return image, true
}

// stepCaptchaAnswer runs the bounded solve/submit cycle (step 4). Each
// rejection, unreadable image, or malformed solve consumes one attempt and
// refreshes the challenge; the step index never rewinds. OCR backend
// failures escalate immediately: they indicate a quota or auth problem
// outside workflow control.
func (e *Executor) stepCaptchaAnswer(ctx context.Context, form permit.Form, captchaURL string, image []byte) (permit.Page, bool) {
	e.enter(permit.StepCaptchaAnswer, permit.ItemStatusAwaitingCaptcha, "")

	var lastErr error
	for attempt := 1; attempt <= e.cfg.CaptchaAttempts; attempt++ {
		text, err := e.solver.Solve(ctx, image)
		switch {
		case err == nil && !captchaFormat.MatchString(text):
			lastErr = fmt.Errorf("solved text %q does not match captcha format", text)
			e.logger.Debug("captcha solve rejected by format check",
				zap.Int("item", e.index), zap.Int("attempt", attempt))
		case errors.Is(err, permit.ErrCaptchaUnreadable):
			lastErr = err
			e.logger.Debug("captcha image unreadable",
				zap.Int("item", e.index), zap.Int("attempt", attempt))
		case err != nil:
			return permit.Page{}, e.fail(permit.StepCaptchaAnswer, err)
		default:
			page, submitErr := e.session.Submit(ctx, form, portal.CaptchaFields(text))
			if submitErr == nil {
				e.result(permit.StepCaptchaAnswer, permit.ItemStatusAwaitingCaptcha,
					fmt.Sprintf("accepted on attempt %d", attempt))
				return page, true
			}
			if !permit.IsCaptchaRejection(submitErr) {
				return permit.Page{}, e.fail(permit.StepCaptchaAnswer, submitErr)
			}
			lastErr = submitErr
			// The rejection response re-renders the challenge page; pick up
			// its fresh hidden fields for the next attempt.
			if page.Form.Present() {
				form = page.Form
			}
			if page.CaptchaURL != "" {
				captchaURL = page.CaptchaURL
			}
		}
		if attempt == e.cfg.CaptchaAttempts {
			break
		}
		refreshed, err := e.fetchAssetWithRetry(ctx, captchaURL)
		if err != nil {
			return permit.Page{}, e.fail(permit.StepCaptchaAnswer, err)
		}
		image = refreshed
	}

	e.failWith(permit.StepCaptchaAnswer, permit.FailureCaptchaExhausted,
		fmt.Errorf("captcha not accepted after %d attempts: %w", e.cfg.CaptchaAttempts, lastErr))
	return permit.Page{}, false
}

// stepDetailForm loads the permit detail form (step 5).
func (e *Executor) stepDetailForm(ctx context.Context, answered permit.Page) (permit.Page, bool) {
	e.enter(permit.StepDetailForm, permit.ItemStatusRunning, "")
	var page permit.Page
	err := e.fetchWithRetry(ctx, func(ctx context.Context) error {
		fetched, fetchErr := e.session.Fetch(ctx, answered.URL)
		if fetchErr != nil {
			return fetchErr
		}
		if formErr := portal.RequireForm(fetched); formErr != nil {
			return formErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		return permit.Page{}, e.fail(permit.StepDetailForm, err)
	}
	e.result(permit.StepDetailForm, permit.ItemStatusRunning, "")
	return page, true
}

// stepDetailSubmit submits the permit details and the final confirmation
// (step 6). This is the irreversible step: dry runs emit its events but never
// touch the portal.
func (e *Executor) stepDetailSubmit(ctx context.Context, detail permit.Page) (permit.Page, bool) {
	if e.dryRun {
		e.enter(permit.StepDetailSubmit, permit.ItemStatusRunning, "dry-run: final submission skipped")
		e.result(permit.StepDetailSubmit, permit.ItemStatusRunning, "dry-run: final submission skipped")
		return permit.Page{}, true
	}

	e.enter(permit.StepDetailSubmit, permit.ItemStatusRunning, "")
	confirmPage, err := e.session.Submit(ctx, detail.Form,
		portal.DetailFields(1, e.clock.Now(), e.params.Email))
	if err != nil {
		return permit.Page{}, e.fail(permit.StepDetailSubmit, err)
	}
	if err := portal.RequireForm(confirmPage); err != nil {
		return permit.Page{}, e.fail(permit.StepDetailSubmit, err)
	}
	finalPage, err := e.session.Submit(ctx, confirmPage.Form, portal.ConfirmFields())
	if err != nil {
		return permit.Page{}, e.fail(permit.StepDetailSubmit, err)
	}
	e.result(permit.StepDetailSubmit, permit.ItemStatusRunning, "")
	return finalPage, true
}

// stepFetchDocument retrieves the generated permit document (step 7), or
// synthesizes the placeholder in dry-run mode. Auto-print runs here; a print
// failure is surfaced in the outcome note, not as an item failure, because
// the document was already retrieved.
func (e *Executor) stepFetchDocument(ctx context.Context, confirmed permit.Page) {
	e.enter(permit.StepFetchDocument, permit.ItemStatusRunning, "")

	var document []byte
	if e.dryRun {
		document = placeholderDocument()
	} else {
		if len(confirmed.DocumentLinks) == 0 {
			err := &permit.UnexpectedContentError{URL: confirmed.URL, Reason: "no permit document links found"}
			e.fail(permit.StepFetchDocument, err)
			return
		}
		fetched, err := e.fetchAssetWithRetry(ctx, confirmed.DocumentLinks[0])
		if err != nil {
			e.fail(permit.StepFetchDocument, err)
			return
		}
		document = fetched
	}

	note := ""
	if e.autoPrint && e.printer != nil {
		if err := e.printer.Print(ctx, document); err != nil {
			note = fmt.Sprintf("print failed: %v", err)
			e.logger.Warn("print dispatch failed",
				zap.String("request_id", e.requestID.String()),
				zap.Int("item", e.index),
				zap.Error(err),
			)
		} else {
			note = "printed"
		}
	}
	if e.dryRun {
		if note != "" {
			note = "dry-run: " + note
		} else {
			note = "dry-run: placeholder document"
		}
	}

	e.outcome.Status = permit.ItemStatusSucceeded
	e.outcome.Document = document
	e.outcome.HasDocument = true
	e.outcome.Note = note
	e.outcome.LastStep = permit.StepFetchDocument
	e.result(permit.StepFetchDocument, permit.ItemStatusSucceeded, note)
}

// fetchWithRetry retries a fetch-type operation on transient transport
// failures with jittered exponential backoff. Submits are never retried this
// way: replaying one could advance portal state a second time.
func (e *Executor) fetchWithRetry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BackoffInitial
	policy.MaxInterval = e.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if permit.IsNetworkError(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.NetworkRetries-1)), ctx)
	return backoff.Retry(wrapped, bounded)
}

func (e *Executor) fetchAssetWithRetry(ctx context.Context, url string) ([]byte, error) {
	var asset []byte
	err := e.fetchWithRetry(ctx, func(ctx context.Context) error {
		fetched, fetchErr := e.session.FetchAsset(ctx, url)
		if fetchErr != nil {
			return fetchErr
		}
		asset = fetched
		return nil
	})
	return asset, err
}

// classify maps an error onto the failure taxonomy. Cancellation wins over
// everything else so a canceled fetch is never misreported as exhaustion.
func (e *Executor) classify(err error) permit.FailureKind {
	switch {
	case errors.Is(err, context.Canceled):
		return permit.FailureCanceled
	case permit.IsValidationRejection(err):
		return permit.FailureValidationRejected
	case permit.IsCaptchaRejection(err):
		return permit.FailureCaptchaExhausted
	case permit.IsNetworkError(err):
		return permit.FailureNetworkExhausted
	default:
		var ocrErr *permit.OcrServiceError
		if errors.As(err, &ocrErr) {
			return permit.FailureOcrUnavailable
		}
		// Anything else is the portal not matching the page contract.
		return permit.FailureContractDrift
	}
}

// fail records a terminal failure at the given step. Always returns false so
// step methods can `return zero, e.fail(...)`.
func (e *Executor) fail(step permit.Step, err error) bool {
	e.failWith(step, e.classify(err), err)
	return false
}

func (e *Executor) failWith(step permit.Step, kind permit.FailureKind, err error) {
	e.outcome.Status = permit.ItemStatusFailed
	e.outcome.Failure = kind
	e.outcome.ErrorText = err.Error()
	e.outcome.LastStep = step
	e.logger.Info("item failed",
		zap.String("request_id", e.requestID.String()),
		zap.Int("item", e.index),
		zap.String("step", step.String()),
		zap.String("failure", string(kind)),
		zap.Error(err),
	)
	e.emit(progress.PhaseResult, step, permit.ItemStatusFailed, kind, err.Error())
}

func (e *Executor) enter(step permit.Step, status permit.ItemStatus, note string) {
	e.outcome.LastStep = step
	e.emit(progress.PhaseEnter, step, status, permit.FailureNone, note)
}

func (e *Executor) result(step permit.Step, status permit.ItemStatus, note string) {
	e.emit(progress.PhaseResult, step, status, permit.FailureNone, note)
}

func (e *Executor) emit(phase progress.Phase, step permit.Step, status permit.ItemStatus, kind permit.FailureKind, note string) {
	e.emitter.Publish(progress.Event{
		RequestID: e.requestID,
		ItemIndex: e.index,
		Step:      step,
		StepName:  step.String(),
		Status:    status,
		Phase:     phase,
		Failure:   kind,
		Note:      note,
		TS:        e.clock.Now(),
	})
}

// placeholderDocument returns a minimal single-page PDF used in dry runs in
// place of a real permit.
func placeholderDocument() []byte {
	return []byte("%PDF-1.4\n" +
		"1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
		"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
		"3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 612 792]>>endobj\n" +
		"trailer<</Root 1 0 R>>\n" +
		"%%EOF\n")
}
