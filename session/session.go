package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hardenline/stigdrive/cache"
	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/vault"
)

// State tracks the session lifecycle. Transitions only move forward;
// Closed is terminal and reached on every exit path.
type State int

const (
	Connecting State = iota
	Authenticated
	ElevationVerified
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticated:
		return "Authenticated"
	case ElevationVerified:
		return "ElevationVerified"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("UnknownState(%d)", int(s))
	}
}

// ConnectionSpec identifies the target and names the secrets needed to
// reach it. Secret values stay in the vault; this struct only carries refs.
// Immutable once a session is opened; never serialized.
type ConnectionSpec struct {
	Host            string
	Port            int
	Username        string
	PrivateKeyPath  string
	AuthSecret      vault.Ref
	ElevationSecret vault.Ref
	Timeout         time.Duration
}

// ConnectReason distinguishes the failure classes an operator needs to
// tell apart: "cannot connect" vs "connected but cannot elevate".
type ConnectReason int

const (
	ReasonUnreachable ConnectReason = iota
	ReasonAuthRejected
	ReasonElevationDenied
	ReasonTimeout
)

func (r ConnectReason) String() string {
	switch r {
	case ReasonUnreachable:
		return "Unreachable"
	case ReasonAuthRejected:
		return "AuthRejected"
	case ReasonElevationDenied:
		return "ElevationDenied"
	case ReasonTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("UnknownReason(%d)", int(r))
	}
}

// ConnectError is the typed failure returned by Manager.Open.
type ConnectError struct {
	Reason ConnectReason
	Host   string
	cause  error
}

func (e *ConnectError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("connect to %s failed (%s): %v", e.Host, e.Reason, e.cause)
	}
	return fmt.Sprintf("connect to %s failed (%s)", e.Host, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.cause }

// Session is one authenticated, elevation-verified transport handle to
// the target. Exactly one exists per run; it is owned by the Manager and
// torn down on every exit path.
type Session struct {
	ID   string
	Spec ConnectionSpec

	conn connector.Connection

	mu    sync.Mutex
	state State

	// Facts memoizes remote probes (dpkg status, path existence) for the
	// session's lifetime.
	Facts *cache.Cache[string, string]

	closeOnce sync.Once
	closeErr  error
}

// Conn exposes the underlying transport to the engines that need file
// operations or a long-lived process.
func (s *Session) Conn() connector.Connection { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Run executes a short command on the target.
func (s *Session) Run(ctx context.Context, cmd string) (string, string, int, error) {
	stdout, stderr, code, err := s.conn.Exec(ctx, cmd)
	return string(stdout), string(stderr), code, err
}

// SudoRun executes a short command under the elevated shell selected at
// open time.
func (s *Session) SudoRun(ctx context.Context, cmd string) (string, string, int, error) {
	stdout, stderr, code, err := s.conn.SudoExec(ctx, cmd)
	return string(stdout), string(stderr), code, err
}

// Close releases the transport. Idempotent: safe to call from a defer on
// every exit path and again explicitly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.setState(Closed)
	})
	return s.closeErr
}
