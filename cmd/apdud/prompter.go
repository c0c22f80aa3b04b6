package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/apductl/internal/handlers"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// typeaheadQuiet is how long the input must stay silent before a prompt is
// rendered once stale input has been seen.
const typeaheadQuiet = 25 * time.Millisecond

// terminalPrompter asks for confirmations on the controlling terminal.
// Only input read after a prompt is rendered can answer it: lines typed
// ahead, and any further lines arriving in the same read as the answer,
// are discarded.
type terminalPrompter struct {
	mu   sync.Mutex
	in   io.Reader
	out  io.Writer
	once sync.Once
	// reads carries the complete lines of each read from in. A single
	// reader goroutine feeds it so an abandoned confirmation never leaves
	// a second reader on the input.
	reads chan []string
}

func newPrompter(autoApprove bool) handlers.Prompter {
	if autoApprove || !term.IsTerminal(int(os.Stdin.Fd())) {
		return handlers.AutoPrompter{Approve: autoApprove}
	}
	return &terminalPrompter{in: os.Stdin, out: os.Stderr}
}

func (p *terminalPrompter) Show(_ context.Context, pr handlers.Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.render(pr)
	return nil
}

func (p *terminalPrompter) Confirm(ctx context.Context, pr handlers.Prompt) (bool, error) {
	p.once.Do(p.startReader)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.discardTypeahead(); err != nil {
		return false, err
	}
	p.render(pr)
	fmt.Fprint(p.out, "approve? [y/N] ")

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case batch, ok := <-p.reads:
		if !ok {
			return false, io.EOF
		}
		if len(batch) > 1 {
			log.Warn().Int("lines", len(batch)-1).Msg("discarded input typed after the answer")
		}
		answer := strings.ToLower(strings.TrimSpace(batch[0]))
		return answer == "y" || answer == "yes", nil
	}
}

// discardTypeahead drops every line read before the prompt is shown. After
// stale input it waits for the input to go quiet so the rest of a burst is
// dropped too.
func (p *terminalPrompter) discardTypeahead() error {
	dropped := 0
	defer func() {
		if dropped > 0 {
			log.Warn().Int("lines", dropped).Msg("discarded input typed ahead of prompt")
		}
	}()
	for {
		if dropped == 0 {
			select {
			case batch, ok := <-p.reads:
				if !ok {
					return io.EOF
				}
				dropped += len(batch)
				continue
			default:
				return nil
			}
		}
		select {
		case batch, ok := <-p.reads:
			if !ok {
				return io.EOF
			}
			dropped += len(batch)
		case <-time.After(typeaheadQuiet):
			return nil
		}
	}
}

func (p *terminalPrompter) startReader() {
	p.reads = make(chan []string)
	go func() {
		defer close(p.reads)
		buf := make([]byte, 512)
		var partial []byte
		for {
			n, err := p.in.Read(buf)
			partial = append(partial, buf[:n]...)
			var lines []string
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				lines = append(lines, strings.TrimSuffix(string(partial[:i]), "\r"))
				partial = partial[i+1:]
			}
			if err != nil && len(partial) > 0 {
				lines = append(lines, string(partial))
				partial = nil
			}
			if len(lines) > 0 {
				p.reads <- lines
			}
			if err != nil {
				return
			}
		}
	}()
}

func (p *terminalPrompter) render(pr handlers.Prompt) {
	fmt.Fprintf(p.out, "== %s ==\n", pr.Title)
	for _, l := range pr.Lines {
		fmt.Fprintf(p.out, "  %s\n", l)
	}
}
