package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/file"
	"github.com/hardenline/stigdrive/session"
)

// Kind classifies a manifest entry.
type Kind int

const (
	// Payload is the hardening script itself. Required, checksum-verified.
	Payload Kind = iota
	// SystemPackage is one offline .deb destined for the installer.
	SystemPackage
	// ToolLibrary is a support file the payload expects alongside itself.
	ToolLibrary
)

func (k Kind) String() string {
	switch k {
	case Payload:
		return "payload"
	case SystemPackage:
		return "system-package"
	case ToolLibrary:
		return "tool-library"
	}
	return "unknown"
}

// Entry is one file to ship. Size is captured at manifest build time and
// re-checked byte-exact against the remote copy after upload.
type Entry struct {
	LocalPath  string
	RemotePath string
	Size       int64
	Kind       Kind
	Optional   bool
}

// Manifest is the ordered transfer plan for one run. Built once,
// immutable afterwards; also the record the post-transfer verification
// walks.
type Manifest struct {
	Entries []Entry
}

// NewManifest starts an empty plan.
func NewManifest() *Manifest { return &Manifest{} }

func (m *Manifest) add(local, remote string, kind Kind, optional bool) error {
	size, err := file.Size(local)
	if err != nil {
		return errors.Wrapf(err, "failed to stat transfer source %s", local)
	}
	m.Entries = append(m.Entries, Entry{
		LocalPath:  local,
		RemotePath: remote,
		Size:       size,
		Kind:       kind,
		Optional:   optional,
	})
	return nil
}

// AddPayload registers the payload script. Exactly one per manifest.
func (m *Manifest) AddPayload(local, remote string) error {
	return m.add(local, remote, Payload, false)
}

// AddPackages registers offline package files under remoteDir, keeping
// their base names. Packages are optional entries: one unsendable .deb
// becomes a missing package for the installer, not an aborted run.
func (m *Manifest) AddPackages(locals []string, remoteDir string) error {
	for _, local := range locals {
		remote := path.Join(remoteDir, filepath.Base(local))
		if err := m.add(local, remote, SystemPackage, true); err != nil {
			return err
		}
	}
	return nil
}

// AddSupport registers required support files under remoteDir.
func (m *Manifest) AddSupport(locals []string, remoteDir string) error {
	for _, local := range locals {
		remote := path.Join(remoteDir, filepath.Base(local))
		if err := m.add(local, remote, ToolLibrary, false); err != nil {
			return err
		}
	}
	return nil
}

// Error is a fatal transfer failure for a required entry.
type Error struct {
	Path   string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer of %s failed: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Report records what the engine actually moved.
type Report struct {
	Transferred []Entry
	// Missing holds optional entries that exhausted their retries. The
	// installer treats them as absent packages.
	Missing []Entry
}

// MissingNames returns the base names of missing entries.
func (r *Report) MissingNames() []string {
	out := make([]string, 0, len(r.Missing))
	for _, e := range r.Missing {
		out = append(out, filepath.Base(e.LocalPath))
	}
	return out
}

// PackagePaths returns the remote paths of transferred system packages.
func (r *Report) PackagePaths() []string {
	var out []string
	for _, e := range r.Transferred {
		if e.Kind == SystemPackage {
			out = append(out, e.RemotePath)
		}
	}
	return out
}

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// Engine uploads manifest entries over the session's SFTP channel with
// bounded retry and byte-exact verification.
type Engine struct {
	attempts int
	backoff  time.Duration
	log      *logrus.Entry
}

// NewEngine creates an Engine with the default retry policy.
func NewEngine(log *logrus.Entry) *Engine {
	return &Engine{attempts: defaultAttempts, backoff: defaultBackoff, log: log}
}

// NewEngineWithPolicy overrides the retry bound and backoff step.
func NewEngineWithPolicy(log *logrus.Entry, attempts int, backoff time.Duration) *Engine {
	if attempts < 1 {
		attempts = 1
	}
	return &Engine{attempts: attempts, backoff: backoff, log: log}
}

// Transfer ships every manifest entry in order. A required entry that
// exhausts its retries aborts with *Error; optional entries are recorded
// as missing and transfer continues.
func (eng *Engine) Transfer(ctx context.Context, sess *session.Session, m *Manifest) (*Report, error) {
	report := &Report{}
	for _, entry := range m.Entries {
		if err := eng.transferOne(ctx, sess, entry); err != nil {
			if entry.Optional {
				eng.log.Warnf("Optional entry %s not transferred: %v", entry.LocalPath, err)
				report.Missing = append(report.Missing, entry)
				continue
			}
			return nil, &Error{Path: entry.LocalPath, Reason: err.Error(), cause: err}
		}
		report.Transferred = append(report.Transferred, entry)
	}
	return report, nil
}

func (eng *Engine) transferOne(ctx context.Context, sess *session.Session, entry Entry) error {
	conn := sess.Conn()
	if err := conn.MkDirAll(ctx, path.Dir(entry.RemotePath), common.FileMode0755); err != nil {
		return errors.Wrapf(err, "failed to create remote directory for %s", entry.RemotePath)
	}

	mode := os.FileMode(common.FileMode0644)
	if entry.Kind == Payload {
		mode = os.FileMode(common.FileMode0755)
	}

	var lastErr error
	for attempt := 1; attempt <= eng.attempts; attempt++ {
		if attempt > 1 {
			// Linear backoff between attempts, bounded by the run
			// deadline.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * eng.backoff):
			}
			eng.log.Infof("Retrying transfer of %s (attempt %d/%d)", entry.LocalPath, attempt, eng.attempts)
		}
		if lastErr = eng.attemptOne(ctx, conn, entry, mode); lastErr == nil {
			eng.log.Debugf("Transferred %s -> %s (%d bytes)", entry.LocalPath, entry.RemotePath, entry.Size)
			return nil
		}
		if !retryable(lastErr) {
			eng.log.Warnf("Transfer of %s failed permanently: %v", entry.LocalPath, lastErr)
			return lastErr
		}
		eng.log.Warnf("Transfer attempt %d for %s failed: %v", attempt, entry.LocalPath, lastErr)
	}
	return errors.Wrapf(lastErr, "exhausted %d attempts", eng.attempts)
}

// retryable limits the retry budget to transport interruptions and
// incomplete copies. Permission or space errors fail the same way on
// every attempt, so they surface immediately.
func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection lost"), strings.Contains(msg, "eof"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return true
	case strings.Contains(msg, "does not match"), strings.Contains(msg, "checksum mismatch"):
		return true
	}
	return false
}

func (eng *Engine) attemptOne(ctx context.Context, conn connector.Connection, entry Entry, mode os.FileMode) error {
	if err := conn.Upload(ctx, entry.LocalPath, entry.RemotePath, mode); err != nil {
		return errors.Wrap(err, "upload failed")
	}

	info, err := conn.StatRemote(ctx, entry.RemotePath)
	if err != nil {
		return errors.Wrap(err, "post-upload stat failed")
	}
	if info.Size() != entry.Size {
		return errors.Errorf("remote size %d does not match local size %d", info.Size(), entry.Size)
	}

	// The payload is what actually runs elevated, so a size check alone
	// is not enough for it. Its exec bit is also enforced explicitly:
	// some sftp servers apply the server-side umask on create.
	if entry.Kind == Payload {
		if err := conn.VerifyChecksum(ctx, entry.LocalPath, entry.RemotePath); err != nil {
			return errors.Wrap(err, "payload checksum verification failed")
		}
		if err := conn.Chmod(ctx, entry.RemotePath, mode); err != nil {
			return errors.Wrap(err, "failed to set payload mode")
		}
	}
	return nil
}
