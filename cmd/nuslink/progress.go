package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a phase with a countdown on one terminal line.
//
//	p := NewProgressPrinter(os.Stderr, "Scanning for NUS devices", "Scanning", 10*time.Second, "Processing results")
//	p.Start()
//	defer p.Stop()
//
// It is single-use; Stop must be called to release the goroutine.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	duration   time.Duration
	startTime  time.Time
	stopped    atomic.Bool
	stopChan   chan struct{}
	done       chan struct{}
}

// NewProgressPrinter creates a countdown printer. Entering one of stopPhases stops it.
func NewProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	ticker := time.NewTicker(progressUpdateInterval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				remaining := p.duration - time.Since(p.startTime)
				if p.duration > 0 && remaining > 0 {
					// round to the nearest second
					fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, int(remaining.Seconds()+0.5))
				} else {
					fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
				}
			}
		}
	}()
}

// Callback returns a scanner progress callback. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopChan)
	<-p.done
	fmt.Fprint(p.w, clearLineSequence)
}
