package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hardenline/stigdrive/cache"
	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/logger"
	"github.com/hardenline/stigdrive/vault"
)

// DialFunc establishes a transport from a connector config. Injectable
// so tests can swap in a fake connection.
type DialFunc func(cfg connector.Config) (connector.Connection, error)

// Manager owns the session lifecycle: connect, authenticate, verify
// elevation, teardown.
type Manager struct {
	vault *vault.Vault
	dial  DialFunc
}

// NewManager creates a Manager over the given vault, dialing real SSH
// connections.
func NewManager(v *vault.Vault) *Manager {
	return &Manager{vault: v, dial: connector.NewConnection}
}

// NewManagerWithDialer creates a Manager with a custom dialer, for tests.
func NewManagerWithDialer(v *vault.Vault, dial DialFunc) *Manager {
	return &Manager{vault: v, dial: dial}
}

// Open connects, authenticates and verifies elevation before returning
// a Session in state ElevationVerified. Every failure is a *ConnectError
// whose Reason tells the caller exactly how far it got.
func (m *Manager) Open(ctx context.Context, spec ConnectionSpec) (*Session, error) {
	if spec.Port <= 0 {
		spec.Port = common.DefaultSSHPort
	}

	sess := &Session{
		ID:    uuid.New().String(),
		Spec:  spec,
		state: Connecting,
		Facts: cache.New[string, string](),
	}
	log := logger.ForRun(sess.ID).WithField(common.LogFieldHost, spec.Host)

	authSecret := ""
	if spec.AuthSecret != "" {
		var err error
		authSecret, err = m.vault.Reveal(spec.AuthSecret)
		if err != nil && spec.PrivateKeyPath == "" {
			return nil, &ConnectError{Reason: ReasonAuthRejected, Host: spec.Host, cause: err}
		}
	}

	log.Debugf("Dialing %s:%d as %s", spec.Host, spec.Port, spec.Username)
	conn, err := m.dial(connector.Config{
		Username: spec.Username,
		Password: authSecret,
		Address:  spec.Host,
		Port:     spec.Port,
		KeyFile:  spec.PrivateKeyPath,
		Timeout:  spec.Timeout,
	})
	if err != nil {
		return nil, &ConnectError{Reason: classifyDialError(err), Host: spec.Host, cause: err}
	}

	sess.conn = conn
	sess.setState(Authenticated)
	log.Debug("Transport authenticated, probing elevation")

	if err := m.verifyElevation(ctx, sess); err != nil {
		_ = sess.Close()
		return nil, err
	}

	sess.setState(ElevationVerified)
	log.Info("Session established with verified elevation")
	return sess, nil
}

// verifyElevation issues a no-op elevated command and requires success.
// It first tries passwordless sudo; if the target wants a credential the
// probe repeats with the elevation secret fed through stdin. A failed
// probe is ElevationDenied, distinct from authentication failure.
func (m *Manager) verifyElevation(ctx context.Context, sess *Session) error {
	_, _, code, err := sess.conn.Exec(ctx, connector.SudoPrefix("true"))
	if err == nil && code == 0 {
		sess.conn.ConfigureSudo(false, nil)
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return &ConnectError{Reason: ReasonTimeout, Host: sess.Spec.Host, cause: err}
	}

	if sess.Spec.ElevationSecret == "" {
		return &ConnectError{
			Reason: ReasonElevationDenied,
			Host:   sess.Spec.Host,
			cause:  errors.Errorf("passwordless sudo probe exited %d and no elevation secret is configured", code),
		}
	}

	secretFn := func() (string, error) {
		return m.vault.Reveal(sess.Spec.ElevationSecret)
	}
	sess.conn.ConfigureSudo(true, secretFn)

	_, stderr, code, err := sess.conn.SudoExec(ctx, "true")
	if err != nil {
		if ctx.Err() != nil {
			return &ConnectError{Reason: ReasonTimeout, Host: sess.Spec.Host, cause: err}
		}
		return &ConnectError{Reason: ReasonElevationDenied, Host: sess.Spec.Host, cause: err}
	}
	if code != 0 {
		return &ConnectError{
			Reason: ReasonElevationDenied,
			Host:   sess.Spec.Host,
			cause:  errors.Errorf("elevated probe exited %d: %s", code, strings.TrimSpace(string(stderr))),
		}
	}
	return nil
}

func classifyDialError(err error) ConnectReason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"):
		return ReasonAuthRejected
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	default:
		return ReasonUnreachable
	}
}
