// Package printer dispatches finished permit documents to a local print
// queue via lpr.
package printer

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// LPR prints documents through the system lpr command. The document is
// staged in a temp file because lpr on some platforms mishandles stdin for
// binary PDF data.
type LPR struct {
	printerName string
	lprPath     string
	logger      *zap.Logger
}

// NewLPR builds a printer bound to the named print queue. An empty name uses
// the system default queue.
func NewLPR(printerName string, logger *zap.Logger) *LPR {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LPR{printerName: printerName, lprPath: "lpr", logger: logger}
}

// Print stages the document and hands it to lpr.
func (p *LPR) Print(ctx context.Context, document []byte) error {
	tmp, err := os.CreateTemp("", "permit-*.pdf")
	if err != nil {
		return fmt.Errorf("stage document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		return fmt.Errorf("stage document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage document: %w", err)
	}

	args := []string{}
	if p.printerName != "" {
		args = append(args, "-P", p.printerName)
	}
	args = append(args, tmp.Name())

	cmd := exec.CommandContext(ctx, p.lprPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lpr: %w: %s", err, out)
	}

	p.logger.Debug("document sent to printer",
		zap.String("printer", p.printerName),
		zap.Int("bytes", len(document)),
	)
	return nil
}

// Noop discards documents. Used when print dispatch is disabled.
type Noop struct{}

// Print does nothing.
func (Noop) Print(context.Context, []byte) error { return nil }
