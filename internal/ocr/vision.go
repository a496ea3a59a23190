// Package ocr solves captcha images through the Google Cloud Vision API.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"github.com/parkpass/permitd/internal/permit"
)

const (
	// DefaultEndpoint is the Vision annotate endpoint.
	DefaultEndpoint = "https://vision.googleapis.com/v1/images:annotate"
	visionScope     = "https://www.googleapis.com/auth/cloud-vision"
)

// Config controls the Vision client.
type Config struct {
	// CredentialsFile is the path to a service-account JSON key.
	CredentialsFile string
	// Endpoint overrides the annotate URL (tests point it at a stub).
	Endpoint string
	Timeout  time.Duration
}

// VisionClient implements permit.CaptchaSolver against the Vision REST API.
// The underlying oauth2 client caches and refreshes access tokens, so one
// client is shared read-only by all concurrently running items.
type VisionClient struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewVisionClient loads the service-account key and builds an authenticated
// client. Missing or malformed credentials fail here, at startup, not per
// request.
func NewVisionClient(ctx context.Context, cfg Config, logger *zap.Logger) (*VisionClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	key, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read ocr credentials: %w", err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(key, visionScope)
	if err != nil {
		return nil, fmt.Errorf("parse ocr credentials: %w", err)
	}
	client := jwtCfg.Client(ctx)
	client.Timeout = cfg.Timeout

	return &VisionClient{endpoint: cfg.Endpoint, http: client, logger: logger}, nil
}

// NewVisionClientWithHTTP builds a client around a preconfigured HTTP client.
// Used by tests and by deployments that manage credentials externally.
func NewVisionClientWithHTTP(endpoint string, httpClient *http.Client, logger *zap.Logger) *VisionClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &VisionClient{endpoint: endpoint, http: httpClient, logger: logger}
}

type annotateRequest struct {
	Requests []visionRequest `json:"requests"`
}

type visionRequest struct {
	Image    visionImage     `json:"image"`
	Features []visionFeature `json:"features"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults"`
}

type annotateResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// Solve runs TEXT_DETECTION over the image and returns the cleaned text.
// Service or auth failures return OcrServiceError; a healthy response with no
// detected text returns ErrCaptchaUnreadable. The result is best-effort: the
// portal, not this client, decides whether it is correct.
func (c *VisionClient) Solve(ctx context.Context, image []byte) (string, error) {
	payload, err := json.Marshal(annotateRequest{
		Requests: []visionRequest{{
			Image:    visionImage{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []visionFeature{{Type: "TEXT_DETECTION", MaxResults: 1}},
		}},
	})
	if err != nil {
		return "", &permit.OcrServiceError{Err: fmt.Errorf("encode annotate request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &permit.OcrServiceError{Err: fmt.Errorf("build annotate request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &permit.OcrServiceError{Err: fmt.Errorf("call vision api: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("vision response body close failed", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &permit.OcrServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read vision response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &permit.OcrServiceError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("vision api rejected request: %s", truncate(body, 256)),
		}
	}

	var annotated annotateResponse
	if err := json.Unmarshal(body, &annotated); err != nil {
		return "", &permit.OcrServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode vision response: %w", err)}
	}
	if len(annotated.Responses) == 0 {
		return "", &permit.OcrServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("vision response carried no results")}
	}
	first := annotated.Responses[0]
	if first.Error != nil {
		return "", &permit.OcrServiceError{Err: fmt.Errorf("vision annotation error: %s", first.Error.Message)}
	}
	if len(first.TextAnnotations) == 0 {
		return "", permit.ErrCaptchaUnreadable
	}

	text := cleanText(first.TextAnnotations[0].Description)
	if text == "" {
		return "", permit.ErrCaptchaUnreadable
	}
	return text, nil
}

// cleanText strips the whitespace and newlines Vision leaves in detections.
func cleanText(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(raw))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
