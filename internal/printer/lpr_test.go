package printer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLPRPrintStagesDocument(t *testing.T) {
	t.Parallel()

	p := NewLPR("office-laser", nil)
	// Stand in for lpr with a command that accepts the staged file path.
	p.lprPath = "true"

	err := p.Print(context.Background(), []byte("%PDF-1.4 test"))
	require.NoError(t, err)
}

func TestLPRPrintSurfacesCommandFailure(t *testing.T) {
	t.Parallel()

	p := NewLPR("", nil)
	p.lprPath = "false"

	err := p.Print(context.Background(), []byte("%PDF-1.4 test"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "lpr")
}

func TestNoopPrinter(t *testing.T) {
	t.Parallel()

	require.NoError(t, Noop{}.Print(context.Background(), []byte("anything")))
}
