package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/mil-ad/bandlog/internal/band"
)

// Static answers every prompt the same way. It backs the "grant" and "deny"
// consent modes.
type Static bool

func (s Static) Confirm(context.Context, band.SensorKind) (bool, error) {
	return bool(s), nil
}

// TerminalPrompter asks on the controlling terminal.
type TerminalPrompter struct {
	// Device is shown in the prompt title.
	Device string
}

func (p TerminalPrompter) Confirm(ctx context.Context, kind band.SensorKind) (bool, error) {
	title := fmt.Sprintf("Allow bandlog to record %s data?", kind)
	if p.Device != "" {
		title = fmt.Sprintf("Allow bandlog to record %s data from %s?", kind, p.Device)
	}

	allow := false
	confirm := huh.NewConfirm().
		Title(title).
		Affirmative("Allow").
		Negative("Deny").
		Value(&allow)

	err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consent prompt: %w", err)
	}
	return allow, nil
}
