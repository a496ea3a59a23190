package portal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/parkpass/permitd/internal/metrics"
	"github.com/parkpass/permitd/internal/permit"
)

// Config controls session behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Factory builds isolated sessions sharing only the portal rate limiter.
type Factory struct {
	cfg     Config
	limiter *rate.Limiter
}

// NewFactory constructs a Factory. The limiter throttles interactions across
// all sessions to stay inside the portal's tolerance; nil disables limiting.
func NewFactory(cfg Config, limiter *rate.Limiter) *Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Factory{cfg: cfg, limiter: limiter}
}

// NewSession creates a fresh session with its own cookie jar.
func (f *Factory) NewSession() (permit.Session, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	return &Session{cfg: f.cfg, limiter: f.limiter, base: c}, nil
}

// IntakeURL returns the absolute URL of the intake form page.
func (f *Factory) IntakeURL() string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + IntakePath
}

// Session implements permit.Session on a colly collector. The collector's
// cookie jar carries the portal session; per-call clones share that jar while
// keeping response callbacks call-local.
type Session struct {
	cfg     Config
	limiter *rate.Limiter
	mu      sync.Mutex
	base    *colly.Collector
	closed  bool
}

type capturedResponse struct {
	url        string
	statusCode int
	body       []byte
}

// Fetch GETs a page and parses it into the page schema.
func (s *Session) Fetch(ctx context.Context, pageURL string) (permit.Page, error) {
	resp, err := s.do(ctx, "fetch", pageURL, nil)
	if err != nil {
		return permit.Page{}, err
	}
	return ParsePage(resp.url, resp.statusCode, resp.body)
}

// Submit merges overrides over the form's extracted fields and submits them.
// A rejection marker in the response surfaces as PortalRejectedError; the
// parsed next page is still returned alongside it so callers can inspect it.
func (s *Session) Submit(ctx context.Context, form permit.Form, overrides map[string]string) (permit.Page, error) {
	data := make(map[string]string, len(form.Fields)+len(overrides))
	for name, value := range form.Fields {
		data[name] = value
	}
	for name, value := range overrides {
		data[name] = value
	}

	var (
		resp capturedResponse
		err  error
	)
	if strings.EqualFold(form.Method, "GET") {
		resp, err = s.do(ctx, "submit", encodeQuery(form.Action, data), nil)
	} else {
		resp, err = s.do(ctx, "submit", form.Action, data)
	}
	if err != nil {
		return permit.Page{}, err
	}
	page, err := ParsePage(resp.url, resp.statusCode, resp.body)
	if err != nil {
		return permit.Page{}, err
	}
	if rejectErr := DetectRejection(resp.body); rejectErr != nil {
		return page, rejectErr
	}
	return page, nil
}

// FetchAsset retrieves binary content with the session's cookies attached.
func (s *Session) FetchAsset(ctx context.Context, assetURL string) ([]byte, error) {
	resp, err := s.do(ctx, "fetch asset", assetURL, nil)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// Close releases the collector. The session must not be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.base = nil
}

// do performs one portal interaction. The session mutex serializes calls; a
// session performs one logical interaction at a time.
func (s *Session) do(ctx context.Context, op, target string, postData map[string]string) (capturedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capturedResponse{}, fmt.Errorf("session closed")
	}
	if s.limiter != nil {
		waitStart := time.Now()
		if err := s.limiter.Wait(ctx); err != nil {
			return capturedResponse{}, fmt.Errorf("portal rate limit wait: %w", err)
		}
		metrics.ObserveRateLimitDelay(time.Since(waitStart))
	}

	collector := s.base.Clone()
	var (
		resp     capturedResponse
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		resp = capturedResponse{
			url:        r.Request.URL.String(),
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		if postData != nil {
			done <- collector.Post(target, postData)
		} else {
			done <- collector.Visit(target)
		}
	}()

	select {
	case <-ctx.Done():
		metrics.ObservePortalInteraction(op, false, time.Since(start))
		return capturedResponse{}, &permit.NetworkError{Op: op, URL: target, Err: ctx.Err()}
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		metrics.ObservePortalInteraction(op, err == nil, time.Since(start))
		if err != nil {
			return capturedResponse{}, &permit.NetworkError{Op: op, URL: target, Err: err}
		}
		return resp, nil
	}
}

func encodeQuery(action string, data map[string]string) string {
	values := url.Values{}
	for name, value := range data {
		values.Set(name, value)
	}
	if strings.Contains(action, "?") {
		return action + "&" + values.Encode()
	}
	return action + "?" + values.Encode()
}
