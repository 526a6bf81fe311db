// Package progress renders transient status lines on a terminal while the
// CLI waits on long steps such as checkpoint loading.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const renderInterval = 100 * time.Millisecond

const defaultTermHeight = 24

// control sequences used by the renderer
const (
	cursorUp   = "\033[A"
	lineStart  = "\033[1G"
	clearRight = "\033[K"
	clearLine  = "\033[2K"
	hideCursor = "\033[?25l"
	showCursor = "\033[?25h"
	beginSync  = "\033[?2026h"
	endSync    = "\033[?2026l"
)

// State is one renderable status line.
type State interface {
	String() string
}

// Progress redraws its states in place on a fixed cadence until stopped.
type Progress struct {
	mu sync.Mutex
	// buffered so each redraw reaches the terminal as one write
	w *bufio.Writer

	rendered int

	ticker *time.Ticker
	states []State

	quit chan struct{}
	done chan struct{}
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(renderInterval),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	fmt.Fprint(p.w, hideCursor)
	go p.run(p.ticker)
	return p
}

// Add appends a status line below the existing ones.
func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) run(ticker *time.Ticker) {
	defer close(p.done)

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.render()
		}
	}
}

// halt shuts down the render loop, stops every spinner and draws a final
// frame. It reports whether this call was the one that stopped the loop.
func (p *Progress) halt() bool {
	p.mu.Lock()
	ticker := p.ticker
	p.ticker = nil
	states := append([]State(nil), p.states...)
	p.mu.Unlock()

	if ticker == nil {
		return false
	}

	ticker.Stop()
	close(p.quit)
	<-p.done

	for _, state := range states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	p.render()
	return true
}

// Stop freezes the display on a final frame.
func (p *Progress) Stop() bool {
	stopped := p.halt()
	if stopped {
		fmt.Fprintln(p.w)
	}

	fmt.Fprint(p.w, showCursor)
	p.w.Flush()
	return stopped
}

// StopAndClear erases the status lines instead of leaving them behind.
func (p *Progress) StopAndClear() bool {
	stopped := p.halt()
	if stopped {
		for range p.rendered - 1 {
			fmt.Fprint(p.w, cursorUp)
		}

		fmt.Fprint(p.w, clearLine, lineStart)
	}

	fmt.Fprint(p.w, showCursor)
	p.w.Flush()
	return stopped
}

func (p *Progress) render() {
	_, height, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		height = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, beginSync)

	for range p.rendered - 1 {
		fmt.Fprint(p.w, cursorUp)
	}

	fmt.Fprint(p.w, lineStart)

	visible := min(len(p.states), height)
	for i := len(p.states) - visible; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), clearRight)
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	fmt.Fprint(p.w, endSync)

	p.rendered = len(p.states)
	p.w.Flush()
}
