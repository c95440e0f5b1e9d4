package backup

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/session"
)

// PathPair maps an original remote path to its backed-up copy.
type PathPair struct {
	Original string `yaml:"original"`
	Backup   string `yaml:"backup"`
}

// Record describes one completed snapshot. Records are append-only: a
// new run creates a new timestamped directory and never touches earlier
// ones. Deleting a record is an operator action, not ours.
type Record struct {
	TimestampID  string     `yaml:"timestamp_id"`
	CreatedAt    string     `yaml:"created_at"`
	Dir          string     `yaml:"dir"`
	ManifestPath string     `yaml:"manifest"`
	Entries      []PathPair `yaml:"entries"`
}

// Error is a fatal backup failure. Any path that cannot be snapshotted
// aborts the run, because partial coverage makes restore unsafe.
type Error struct {
	Path   string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup of %s failed: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// RestoreFailure is one path that could not be put back.
type RestoreFailure struct {
	Path   string
	Reason string
}

// RestoreReport summarizes a best-effort restore.
type RestoreReport struct {
	Restored []string
	Failures []RestoreFailure
}

// Coordinator snapshots a declared path set into a timestamped
// directory under the backup root before the payload mutates anything,
// and can copy the set back. The manifest it leaves next to the copies
// is plain YAML so an operator can restore by hand without this tool.
type Coordinator struct {
	log  *logrus.Entry
	now  func() time.Time
	root string
}

// New creates a Coordinator writing under the default backup root.
func New(log *logrus.Entry) *Coordinator {
	return NewWithRoot(log, common.BackupRoot)
}

// NewWithRoot overrides the backup root directory.
func NewWithRoot(log *logrus.Entry, root string) *Coordinator {
	if root == "" {
		root = common.BackupRoot
	}
	return &Coordinator{log: log, now: time.Now, root: root}
}

const timestampLayout = "20060102_150405"

// Snapshot copies every path in paths into a fresh timestamped backup
// directory and writes the manifest. Any failure is fatal: it returns a
// *Error and the caller must abort before the first mutating command.
// workDir is the run's remote workspace, used to stage the manifest
// before it is moved into the root-owned backup directory.
func (c *Coordinator) Snapshot(ctx context.Context, sess *session.Session, paths []string, workDir string) (*Record, error) {
	if len(paths) == 0 {
		return nil, &Error{Path: "", Reason: "empty backup path set"}
	}

	ts := c.now().UTC().Format(timestampLayout)
	dir := path.Join(c.root, common.BackupDirPrefix+ts)
	rec := &Record{
		TimestampID:  ts,
		CreatedAt:    c.now().UTC().Format(time.RFC3339),
		Dir:          dir,
		ManifestPath: path.Join(dir, common.BackupManifestName),
	}

	cmd := fmt.Sprintf("mkdir -p '%s' && chmod 700 '%s'", dir, dir)
	if _, stderr, code, err := sess.SudoRun(ctx, cmd); err != nil || code != 0 {
		return nil, &Error{Path: dir, Reason: reason(stderr, code), cause: err}
	}

	for _, p := range paths {
		exists, err := remoteExists(ctx, sess.Conn(), p)
		if err != nil {
			return nil, &Error{Path: p, Reason: "existence probe failed", cause: err}
		}
		if !exists {
			return nil, &Error{Path: p, Reason: "path does not exist on target"}
		}
		cp := fmt.Sprintf("cp -a --parents '%s' '%s'", p, dir)
		if _, stderr, code, err := sess.SudoRun(ctx, cp); err != nil || code != 0 {
			return nil, &Error{Path: p, Reason: reason(stderr, code), cause: err}
		}
		rec.Entries = append(rec.Entries, PathPair{
			Original: p,
			Backup:   path.Join(dir, strings.TrimPrefix(p, "/")),
		})
		c.log.Debugf("Backed up %s", p)
	}

	if err := c.writeManifest(ctx, sess, rec, workDir); err != nil {
		return nil, err
	}
	c.log.Infof("Snapshot complete at %s [paths=%d]", dir, len(rec.Entries))
	return rec, nil
}

// writeManifest stages the YAML through the user-writable workspace and
// moves it into the root-owned backup directory with one elevated copy.
func (c *Coordinator) writeManifest(ctx context.Context, sess *session.Session, rec *Record, workDir string) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return &Error{Path: rec.ManifestPath, Reason: "manifest encoding failed", cause: err}
	}
	staged := path.Join(workDir, common.BackupManifestName)
	if err := sess.Conn().Scp(ctx, strings.NewReader(string(data)), staged, common.FileMode0600); err != nil {
		return &Error{Path: staged, Reason: "manifest staging failed", cause: err}
	}
	cp := fmt.Sprintf("cp '%s' '%s' && chmod 600 '%s'", staged, rec.ManifestPath, rec.ManifestPath)
	if _, stderr, code, err := sess.SudoRun(ctx, cp); err != nil || code != 0 {
		return &Error{Path: rec.ManifestPath, Reason: reason(stderr, code), cause: err}
	}
	return nil
}

// Restore copies every backed-up path onto its original location.
// Best-effort: a failed path is reported and the rest still run, since
// restore usually happens on an already degraded system.
func (c *Coordinator) Restore(ctx context.Context, sess *session.Session, rec *Record) *RestoreReport {
	report := &RestoreReport{}
	for _, pair := range rec.Entries {
		cmd := fmt.Sprintf("cp -aT '%s' '%s'", pair.Backup, pair.Original)
		_, stderr, code, err := sess.SudoRun(ctx, cmd)
		if err != nil || code != 0 {
			c.log.Warnf("Restore of %s failed: %s", pair.Original, reason(stderr, code))
			report.Failures = append(report.Failures, RestoreFailure{
				Path:   pair.Original,
				Reason: reason(stderr, code),
			})
			continue
		}
		c.log.Infof("Restored %s", pair.Original)
		report.Restored = append(report.Restored, pair.Original)
	}
	return report
}

// Latest finds the most recent record on the target by reading its
// manifest. Returns nil without error when no backups exist.
func (c *Coordinator) Latest(ctx context.Context, sess *session.Session) (*Record, error) {
	cmd := fmt.Sprintf("ls -1d %s/%s* 2>/dev/null", c.root, common.BackupDirPrefix)
	stdout, _, code, err := sess.SudoRun(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backup directories")
	}
	dirs := splitLines(stdout)
	if code != 0 || len(dirs) == 0 {
		return nil, nil
	}
	sort.Strings(dirs)
	latest := dirs[len(dirs)-1]

	manifest := path.Join(latest, common.BackupManifestName)
	stdout, stderr, code, err := sess.SudoRun(ctx, fmt.Sprintf("cat '%s'", manifest))
	if err != nil || code != 0 {
		return nil, errors.Errorf("failed to read backup manifest %s: %s", manifest, reason(stderr, code))
	}
	var rec Record
	if err := yaml.Unmarshal([]byte(stdout), &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse backup manifest %s", manifest)
	}
	return &rec, nil
}

// remoteExists accepts both files and directories; the declared backup
// set routinely mixes the two (/etc/sudoers next to /etc/pam.d).
func remoteExists(ctx context.Context, conn connector.Connection, p string) (bool, error) {
	if ok, err := conn.RemoteFileExist(ctx, p); err != nil || ok {
		return ok, err
	}
	return conn.RemoteDirExist(ctx, p)
}

func reason(stderr string, code int) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		s = fmt.Sprintf("command exited %d", code)
	}
	return s
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
