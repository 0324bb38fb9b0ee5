package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/srg/nuslink/internal/session"
	"golang.org/x/term"
)

// stateRenderer prints session transitions, coloured when writing to a terminal.
type stateRenderer struct {
	w      io.Writer
	colors map[session.State]*color.Color
	failed *color.Color
}

func newStateRenderer(w io.Writer) *stateRenderer {
	r := &stateRenderer{w: w}
	if !isTerminal(w) {
		return r
	}

	r.colors = map[session.State]*color.Color{
		session.Connecting:          color.New(color.FgYellow),
		session.ServicesDiscovering: color.New(color.FgYellow),
		session.Validating:          color.New(color.FgYellow),
		session.Subscribing:         color.New(color.FgYellow),
		session.Ready:               color.New(color.FgGreen, color.Bold),
		session.Disconnecting:       color.New(color.FgCyan),
		session.Idle:                color.New(color.FgCyan),
	}
	r.failed = color.New(color.FgRed, color.Bold)
	for _, c := range r.colors {
		c.EnableColor()
	}
	r.failed.EnableColor()
	return r
}

func (r *stateRenderer) Render(st session.Status) {
	line := "[" + st.State.String() + "]"
	if st.Err != nil {
		line += " " + FormatUserError(st.Err)
	}

	c := r.colors[st.State]
	if st.Err != nil && r.failed != nil {
		c = r.failed
	}
	if c != nil {
		line = c.Sprint(line)
	}
	fmt.Fprintln(r.w, line)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
