// Package cli renders command output for marketctl: status lines, a
// spinner and the outcome of write intents.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fixmypic/service_layer/internal/reconcile"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

// Printer writes status lines, colored when the output is a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a Printer for w. Color is enabled only for terminals.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: isTerminal(w)}
}

func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) line(color, mark, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, mark, colorReset, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", mark, msg)
}

func (p *Printer) Success(format string, args ...interface{}) {
	p.line(colorGreen, "✓", format, args...)
}

func (p *Printer) Error(format string, args ...interface{}) {
	p.line(colorRed, "✗", format, args...)
}

func (p *Printer) Warning(format string, args ...interface{}) {
	p.line(colorYellow, "⚠", format, args...)
}

func (p *Printer) Info(format string, args ...interface{}) {
	p.line(colorBlue, "ℹ", format, args...)
}

// Field prints an aligned key/value line.
func (p *Printer) Field(key string, value interface{}) {
	fmt.Fprintf(p.w, "  %-16s %v\n", key+":", value)
}

// Spinner animates a single status line until stopped.
type Spinner struct {
	frames  []string
	current int
	prefix  string
	suffix  string
	mu      sync.Mutex
	p       *Printer
	active  bool
	done    chan struct{}
}

func (p *Printer) NewSpinner(prefix string) *Spinner {
	return &Spinner{
		frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix: prefix,
		p:      p,
		done:   make(chan struct{}),
	}
}

func (s *Spinner) SetSuffix(suffix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suffix = suffix
}

// Start animates the spinner. Without a terminal nothing is drawn.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.active || !s.p.color {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.render()
				s.current = (s.current + 1) % len(s.frames)
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop clears the spinner line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
	fmt.Fprint(s.p.w, "\r"+strings.Repeat(" ", 80)+"\r")
}

func (s *Spinner) render() {
	out := fmt.Sprintf("\r%s%s%s %s", colorCyan, s.frames[s.current], colorReset, s.prefix)
	if s.suffix != "" {
		out += " " + s.suffix
	}
	fmt.Fprint(s.p.w, out)
}

// WatchIntent waits for a write intent to settle and reports its outcome.
// The returned error is the intent's failure, or ctx's error if the wait
// was abandoned.
func (p *Printer) WatchIntent(ctx context.Context, in *reconcile.Intent) (reconcile.Snapshot, error) {
	snap := in.Snapshot()
	spin := p.NewSpinner(fmt.Sprintf("waiting for %s %s to be indexed", snap.Kind, snap.LocalID))
	spin.Start()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-in.Done():
			spin.Stop()
			snap = in.Snapshot()
			return snap, p.reportIntent(snap)
		case <-ticker.C:
			if tx := in.Snapshot().TxHash; tx != "" {
				spin.SetSuffix("(tx " + tx + ")")
			}
		case <-ctx.Done():
			spin.Stop()
			p.Warning("stopped waiting for %s; it continues in the background", snap.LocalID)
			return in.Snapshot(), ctx.Err()
		}
	}
}

func (p *Printer) reportIntent(snap reconcile.Snapshot) error {
	took := formatDuration(snap.FinishedAt.Sub(snap.StartedAt))
	switch snap.Status {
	case reconcile.StatusConfirmed:
		p.Success("%s confirmed as %s in %s", snap.Kind, snap.AuthoritativeID, took)
	case reconcile.StatusTimedOut:
		p.Warning("%s sent in tx %s but not yet confirmed after %s", snap.Kind, snap.TxHash, took)
	default:
		p.Error("%s %s: %v", snap.Kind, snap.Status, snap.Err)
	}
	if snap.TxHash != "" {
		p.Field("tx", snap.TxHash)
	}
	return snap.Err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
