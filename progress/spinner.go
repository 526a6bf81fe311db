package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is an indeterminate State: a message followed by a cycling
// braille glyph until stopped.
type Spinner struct {
	mu           sync.Mutex
	message      string
	messageWidth int

	frames []string
	frame  int

	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		frames:  spinnerFrames,
		started: time.Now(),
	}

	go s.run()
	return s
}

// SetMessage swaps the text without interrupting the animation.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.message = message
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder

	if message := strings.TrimSpace(s.message); len(message) > 0 {
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(s.frames[s.frame])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) run() {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if !s.stopped.IsZero() {
			s.mu.Unlock()
			return
		}

		s.frame = (s.frame + 1) % len(s.frames)
		s.mu.Unlock()
	}
}

// Stop freezes the line on its message. Later calls keep the first stop
// time.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
