package permit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session performs portal interactions while preserving cookies and hidden
// form state between calls. A session is bound to exactly one item for its
// entire lifetime and performs one logical interaction at a time. No
// operation is idempotent from the portal's perspective; callers must never
// re-issue a Submit unless they know the previous one did not land.
type Session interface {
	// Fetch GETs a page and parses it against the step contract.
	Fetch(ctx context.Context, url string) (Page, error)
	// Submit POSTs overrides merged over the page's extracted fields.
	Submit(ctx context.Context, form Form, overrides map[string]string) (Page, error)
	// FetchAsset retrieves binary content such as captcha images or PDFs.
	FetchAsset(ctx context.Context, url string) ([]byte, error)
	// Close releases the session and its cookie state.
	Close()
}

// SessionFactory creates a fresh, isolated Session per item. Sessions are
// never pooled or reused across items.
type SessionFactory interface {
	NewSession() (Session, error)
}

// CaptchaSolver maps a captcha image to recognized text. The output is
// best-effort; only the portal's acceptance of the subsequent submission
// decides correctness.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Printer forwards a finished document to the printing subsystem.
type Printer interface {
	Print(ctx context.Context, document []byte) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewRequestID() (uuid.UUID, error)
}
