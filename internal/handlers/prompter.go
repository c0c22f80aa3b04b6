package handlers

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Prompt is one screen shown to the user.
type Prompt struct {
	Title string
	Lines []string
}

// Prompter is the user-facing side of the device: it shows information and
// collects approvals. Confirm blocks until the user decides or ctx ends.
type Prompter interface {
	Show(ctx context.Context, p Prompt) error
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// AutoPrompter answers every confirmation with Approve and logs what would
// have been displayed. It stands in for a screen on headless emulators.
type AutoPrompter struct {
	Approve bool
}

func (a AutoPrompter) Show(ctx context.Context, p Prompt) error {
	log.Info().Str("title", p.Title).Strs("lines", p.Lines).Msg("display")
	return nil
}

func (a AutoPrompter) Confirm(ctx context.Context, p Prompt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	log.Info().
		Str("title", p.Title).
		Strs("lines", p.Lines).
		Bool("approved", a.Approve).
		Msg("confirmation")
	return a.Approve, nil
}
