package channel

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream identifies which remote stream produced a chunk.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Class is the classification attached to a chunk of output.
type Class int

const (
	Plain Class = iota
	ElevationPrompt
	CompletionMarker
)

func (c Class) String() string {
	switch c {
	case ElevationPrompt:
		return "elevation-prompt"
	case CompletionMarker:
		return "completion-marker"
	default:
		return "plain"
	}
}

// Event is one classified unit of remote output. Events are transient:
// they flow to the sink in arrival order and are not retained here.
type Event struct {
	Stream Stream
	Text   string
	Class  Class
	At     time.Time
}

// Sink consumes the event stream. Delivery happens on a dedicated
// goroutine in arrival order; a sink that blocks stalls delivery but
// never the state machine itself.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// LogSink forwards events to a logrus entry. Plain payload output goes
// to Info so the operator can follow the run live; classifications are
// called out explicitly.
type LogSink struct {
	Entry *logrus.Entry
}

func (s LogSink) Emit(ev Event) {
	text := strings.TrimRight(ev.Text, "\r\n")
	if text == "" {
		return
	}
	switch ev.Class {
	case ElevationPrompt:
		s.Entry.WithField("stream", ev.Stream.String()).Info("Elevation prompt detected")
	case CompletionMarker:
		s.Entry.WithField("stream", ev.Stream.String()).Info("Completion marker observed")
	default:
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				s.Entry.Infof("remote: %s", line)
			}
		}
	}
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
