package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// progressPrinter renders engine progress. On a terminal it redraws a single
// line; otherwise it prints one line per ten percent.
type progressPrinter struct {
	w     io.Writer
	label string
	tty   bool

	mu   sync.Mutex
	last int
}

func newProgressPrinter(w io.Writer, label string) *progressPrinter {
	return &progressPrinter{w: w, label: label, tty: isTerminal(w), last: -1}
}

// isTerminal reports whether w is a terminal or a Cygwin/MSYS pty.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Update receives a ratio in [0, 1].
func (p *progressPrinter) Update(ratio float64) {
	pct := int(ratio * 100)
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tty {
		if pct == p.last {
			return
		}
		p.last = pct
		_, _ = fmt.Fprintf(p.w, "\r%s %3d%%", p.label, pct)
		return
	}

	step := pct / 10 * 10
	if step <= p.last {
		return
	}
	p.last = step
	_, _ = fmt.Fprintf(p.w, "%s %d%%\n", p.label, step)
}

// Done terminates the progress line.
func (p *progressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tty && p.last >= 0 {
		_, _ = fmt.Fprintln(p.w)
	}
}
