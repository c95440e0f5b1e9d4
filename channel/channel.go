package channel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/vault"
)

// State of the execution channel. Terminal states are Completed, Failed,
// TimedOut and Cancelled.
type State int

const (
	Started State = iota
	AwaitingElevation
	Streaming
	Completed
	Failed
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Started:
		return "Started"
	case AwaitingElevation:
		return "AwaitingElevation"
	case Streaming:
		return "Streaming"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// Failure reasons carried in Result.Reason for non-Completed states.
const (
	ReasonElevationRejected = "elevation-rejected"
	ReasonNonzeroExit       = "nonzero-exit"
	ReasonDeadlineExceeded  = "deadline-exceeded"
	ReasonCancelled         = "cancelled"
)

// Config tunes the channel. Zero values select the documented defaults.
type Config struct {
	// PromptPatterns are regexps matched against the trailing output
	// tail to detect an elevation prompt.
	PromptPatterns []string
	// CompletionMarker, when non-empty, is flagged in the event stream.
	CompletionMarker string
	// TailSize bounds the classification buffer.
	TailSize int
	// Grace bounds how long teardown waits for the remote process to
	// unwind after a termination request.
	Grace time.Duration
	// OutputLimit bounds the diagnostic output retained for failures.
	OutputLimit int
}

const (
	defaultGrace       = 10 * time.Second
	defaultOutputLimit = 64 * 1024
)

// Result is the terminal record of one channel run.
type Result struct {
	State    State
	ExitCode int
	Reason   string
	// Output is the bounded tail of everything the process produced,
	// attached for diagnostics on failure paths.
	Output   string
	Injected bool
	Elapsed  time.Duration
}

// Channel runs the payload as a long-lived elevated remote process:
// it injects the elevation secret at most once, classifies output
// without assuming line buffering, detects termination, and enforces
// the run deadline with clean cancellation.
type Channel struct {
	cfg       Config
	vault     *vault.Vault
	secretRef vault.Ref
	sink      Sink
	log       *logrus.Entry
}

// New creates a Channel. The vault supplies the elevation secret on
// demand and scrubs every emitted event.
func New(cfg Config, v *vault.Vault, secretRef vault.Ref, sink Sink, log *logrus.Entry) *Channel {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Channel{cfg: cfg, vault: v, secretRef: secretRef, sink: sink, log: log}
}

// internal events feeding the single-writer state loop. Only the read
// loops produce chunks, only the watchdog produces timeout/cancel, and
// the wait goroutine produces exactly one exit. Races between "process
// completed" and "operator cancelled" resolve by dequeue order:
// first-to-arrive wins and the loser is logged and discarded.
type chunkEvent struct {
	stream Stream
	data   []byte
}

type exitEvent struct {
	code int
	err  error
}

type stopEvent struct {
	state  State // TimedOut or Cancelled
	reason string
}

// Run starts cmd under the given transport and drives the state machine
// to a terminal state. Infrastructure failures (the process cannot be
// started) return an error; everything else is encoded in Result.
func (ch *Channel) Run(ctx context.Context, starter connector.Starter, cmd string) (*Result, error) {
	cls, err := newClassifier(ch.cfg.PromptPatterns, ch.cfg.CompletionMarker, ch.cfg.TailSize)
	if err != nil {
		return nil, err
	}

	proc, err := starter.Start(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start remote payload process")
	}

	started := time.Now()
	events := make(chan interface{}, 64)

	// Read loops: one per stream, each posting raw chunks in arrival
	// order. The wait goroutine posts the exit only after both loops
	// have drained, so no output can arrive after the exit event.
	var readers sync.WaitGroup
	readers.Add(2)
	go ch.readLoop(proc.Stdout(), Stdout, events, &readers)
	go ch.readLoop(proc.Stderr(), Stderr, events, &readers)

	go func() {
		code, waitErr := proc.Wait()
		readers.Wait()
		events <- exitEvent{code: code, err: waitErr}
	}()

	// Watchdog: funnels deadline expiry and external cancellation into
	// the same queue as everything else.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			st, reason := Cancelled, ReasonCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				st, reason = TimedOut, ReasonDeadlineExceeded
			}
			select {
			case events <- stopEvent{state: st, reason: reason}:
			case <-watchdogDone:
			}
		case <-watchdogDone:
		}
	}()

	// Emission pipeline: classification order is preserved, and the
	// sink's latency never back-pressures the state loop's own
	// processing beyond the queue bound.
	emitCh := make(chan Event, 256)
	var emitter sync.WaitGroup
	emitter.Add(1)
	go func() {
		defer emitter.Done()
		for ev := range emitCh {
			ch.sink.Emit(ev)
		}
	}()

	res := ch.stateLoop(events, emitCh, proc, cls)
	res.Elapsed = time.Since(started)

	close(emitCh)
	emitter.Wait()
	return res, nil
}

// stateLoop is the single writer of channel state.
func (ch *Channel) stateLoop(events chan interface{}, emitCh chan<- Event, proc connector.Process, cls *classifier) *Result {
	state := Started
	injected := false
	var output boundedBuffer
	output.limit = ch.cfg.OutputLimit

	for raw := range events {
		switch ev := raw.(type) {
		case chunkEvent:
			text := ch.vault.Scrub(string(ev.data))
			class := cls.feed(ev.data)
			output.write(text)
			emitCh <- Event{Stream: ev.stream, Text: text, Class: class, At: time.Now()}

			switch class {
			case ElevationPrompt:
				if injected {
					// A repeated prompt means the secret was wrong.
					// Retrying blind risks lockout policies on the
					// target, so this is fatal.
					ch.log.Error("Second elevation prompt observed, treating as rejection")
					ch.teardown(proc, events)
					return &Result{
						State:    Failed,
						ExitCode: -1,
						Reason:   ReasonElevationRejected,
						Output:   output.String(),
						Injected: true,
					}
				}
				if err := ch.inject(proc); err != nil {
					ch.log.Errorf("Failed to inject elevation secret: %v", err)
					ch.teardown(proc, events)
					return &Result{
						State:    Failed,
						ExitCode: -1,
						Reason:   ReasonElevationRejected,
						Output:   output.String(),
					}
				}
				injected = true
				state = AwaitingElevation
			default:
				// Any chunk after injection confirms the shell moved
				// on; there is no explicit acknowledgment from sudo.
				if state == AwaitingElevation || state == Started {
					state = Streaming
				}
			}

		case exitEvent:
			if ev.err != nil {
				ch.log.Warnf("Remote process wait failed: %v", ev.err)
				_ = proc.Close()
				return &Result{
					State:    Failed,
					ExitCode: -1,
					Reason:   ev.err.Error(),
					Output:   output.String(),
					Injected: injected,
				}
			}
			_ = proc.Close()
			if ev.code == 0 {
				return &Result{State: Completed, ExitCode: 0, Injected: injected, Output: output.String()}
			}
			return &Result{
				State:    Failed,
				ExitCode: ev.code,
				Reason:   ReasonNonzeroExit,
				Output:   output.String(),
				Injected: injected,
			}

		case stopEvent:
			ch.log.Warnf("Run interrupted in state %s: %s", state, ev.reason)
			ch.teardown(proc, events)
			return &Result{
				State:    ev.state,
				ExitCode: -1,
				Reason:   ev.reason,
				Output:   output.String(),
				Injected: injected,
			}
		}
	}
	// Unreachable: the exit event always arrives.
	return &Result{State: Failed, ExitCode: -1, Reason: "event queue closed unexpectedly"}
}

// inject writes the elevation secret to the process stdin, once.
func (ch *Channel) inject(proc connector.Process) error {
	secret, err := ch.vault.Reveal(ch.secretRef)
	if err != nil {
		return errors.Wrap(err, "no elevation secret available for injection")
	}
	if _, err := io.WriteString(proc.Stdin(), secret+"\n"); err != nil {
		return errors.Wrap(err, "failed to write elevation secret to remote stdin")
	}
	return nil
}

// teardown requests termination, grants the bounded grace period for
// the process to unwind, then closes the transport session. Late events
// arriving during the grace window are logged and discarded.
func (ch *Channel) teardown(proc connector.Process, events chan interface{}) {
	if err := proc.Terminate(); err != nil {
		ch.log.Debugf("Termination request failed (forcing close): %v", err)
	}
	grace := time.NewTimer(ch.cfg.Grace)
	defer grace.Stop()
	for {
		select {
		case raw := <-events:
			if ev, ok := raw.(exitEvent); ok {
				ch.log.Debugf("Remote process exited with code %d during teardown", ev.code)
				_ = proc.Close()
				return
			}
			ch.log.Debugf("Discarding late event during teardown: %T", raw)
		case <-grace.C:
			ch.log.Warn("Grace period elapsed, forcing transport close")
			_ = proc.Close()
			return
		}
	}
}

func (ch *Channel) readLoop(r io.Reader, stream Stream, events chan<- interface{}, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events <- chunkEvent{stream: stream, data: data}
		}
		if err != nil {
			if err != io.EOF {
				ch.log.Debugf("Read loop for %s ended: %v", stream, err)
			}
			return
		}
	}
}

// boundedBuffer retains the trailing limit bytes of everything written.
type boundedBuffer struct {
	buf   []byte
	limit int
}

func (b *boundedBuffer) write(s string) {
	b.buf = append(b.buf, s...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
}

func (b *boundedBuffer) String() string { return string(b.buf) }
