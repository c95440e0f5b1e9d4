package backup

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hardenline/stigdrive/connector"
	"github.com/hardenline/stigdrive/session"
	"github.com/hardenline/stigdrive/testutil"
	"github.com/hardenline/stigdrive/vault"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testSession(t *testing.T, conn *testutil.FakeConnection) *session.Session {
	t.Helper()
	v := vault.New(nil)
	v.Store(vault.RefAuth, "pw")
	mgr := session.NewManagerWithDialer(v, func(connector.Config) (connector.Connection, error) {
		return conn, nil
	})
	sess, err := mgr.Open(context.Background(), session.ConnectionSpec{
		Host: "target1", Username: "svc-stig", AuthSecret: vault.RefAuth,
	})
	require.NoError(t, err)
	return sess
}

func fixedCoordinator(ts time.Time) *Coordinator {
	c := New(testLog())
	c.now = func() time.Time { return ts }
	return c
}

func TestSnapshotCreatesRecordAndManifest(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Files["/etc/ssh/sshd_config"] = []byte("PermitRootLogin no\n")
	conn.Dirs["/etc/pam.d"] = true
	sess := testSession(t, conn)
	c := fixedCoordinator(time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC))

	rec, err := c.Snapshot(context.Background(), sess,
		[]string{"/etc/ssh/sshd_config", "/etc/pam.d"}, "/tmp/stigdrive/run1")
	require.NoError(t, err)

	assert.Equal(t, "20260829_143000", rec.TimestampID)
	assert.Equal(t, "/var/backups/pre-stig-20260829_143000", rec.Dir)
	require.Len(t, rec.Entries, 2)
	assert.Equal(t, PathPair{
		Original: "/etc/ssh/sshd_config",
		Backup:   "/var/backups/pre-stig-20260829_143000/etc/ssh/sshd_config",
	}, rec.Entries[0])

	sudo := conn.SudoCalls()
	assert.Contains(t, sudo, "mkdir -p '/var/backups/pre-stig-20260829_143000' && chmod 700 '/var/backups/pre-stig-20260829_143000'")
	assert.Contains(t, sudo, "cp -a --parents '/etc/pam.d' '/var/backups/pre-stig-20260829_143000'")

	// Manifest staged into the workspace is parseable YAML naming every
	// original path.
	staged, ok := conn.Files["/tmp/stigdrive/run1/backup-manifest.yaml"]
	require.True(t, ok)
	var parsed Record
	require.NoError(t, yaml.Unmarshal(staged, &parsed))
	assert.Equal(t, rec.Entries, parsed.Entries)
	assert.NotEmpty(t, parsed.Entries)
}

func TestSnapshotFatalOnMissingPath(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Files["/etc/ssh/sshd_config"] = []byte("x")
	sess := testSession(t, conn)

	_, err := fixedCoordinator(time.Now()).Snapshot(context.Background(), sess,
		[]string{"/etc/ssh/sshd_config", "/etc/gone"}, "/tmp/w")
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "/etc/gone", berr.Path)
	assert.Contains(t, berr.Reason, "does not exist")
}

func TestSnapshotFatalOnCopyFailure(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Files["/etc/sudoers"] = []byte("x")
	conn.Script(testutil.Response{Match: "cp -a --parents '/etc/sudoers'", Exit: 1, Stderr: "cp: cannot stat"})
	sess := testSession(t, conn)

	_, err := fixedCoordinator(time.Now()).Snapshot(context.Background(), sess,
		[]string{"/etc/sudoers"}, "/tmp/w")
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "/etc/sudoers", berr.Path)
	assert.Contains(t, berr.Reason, "cannot stat")
}

func TestSnapshotRejectsEmptyPathSet(t *testing.T) {
	conn := testutil.NewFakeConnection()
	sess := testSession(t, conn)
	_, err := fixedCoordinator(time.Now()).Snapshot(context.Background(), sess, nil, "/tmp/w")
	assert.Error(t, err)
}

func TestRestoreRoundTrip(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Files["/etc/ssh/sshd_config"] = []byte("x")
	conn.Files["/etc/login.defs"] = []byte("x")
	sess := testSession(t, conn)
	c := fixedCoordinator(time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))

	rec, err := c.Snapshot(context.Background(), sess,
		[]string{"/etc/ssh/sshd_config", "/etc/login.defs"}, "/tmp/w")
	require.NoError(t, err)

	report := c.Restore(context.Background(), sess, rec)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"/etc/ssh/sshd_config", "/etc/login.defs"}, report.Restored)
	assert.Contains(t, conn.SudoCalls(),
		"cp -aT '/var/backups/pre-stig-20260829_090000/etc/ssh/sshd_config' '/etc/ssh/sshd_config'")
}

func TestRestoreContinuesPastFailures(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "cp -aT '/var/backups/b/etc/pam.d'", Exit: 1, Stderr: "read-only file system"})
	sess := testSession(t, conn)

	rec := &Record{Entries: []PathPair{
		{Original: "/etc/pam.d", Backup: "/var/backups/b/etc/pam.d"},
		{Original: "/etc/sudoers", Backup: "/var/backups/b/etc/sudoers"},
	}}
	report := New(testLog()).Restore(context.Background(), sess, rec)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "/etc/pam.d", report.Failures[0].Path)
	assert.Contains(t, report.Failures[0].Reason, "read-only")
	assert.Equal(t, []string{"/etc/sudoers"}, report.Restored)
}

func TestLatestPicksNewestRecord(t *testing.T) {
	manifest, err := yaml.Marshal(&Record{
		TimestampID: "20260829_120000",
		Dir:         "/var/backups/pre-stig-20260829_120000",
		Entries:     []PathPair{{Original: "/etc/sudoers", Backup: "/var/backups/pre-stig-20260829_120000/etc/sudoers"}},
	})
	require.NoError(t, err)

	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{
		Match:  "ls -1d /var/backups/pre-stig-",
		Stdout: "/var/backups/pre-stig-20260828_080000\n/var/backups/pre-stig-20260829_120000\n",
	})
	conn.Script(testutil.Response{
		Match:  "cat '/var/backups/pre-stig-20260829_120000/backup-manifest.yaml'",
		Stdout: string(manifest),
	})
	sess := testSession(t, conn)

	rec, err := New(testLog()).Latest(context.Background(), sess)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "20260829_120000", rec.TimestampID)
	require.Len(t, rec.Entries, 1)
}

func TestLatestNoBackups(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "ls -1d", Exit: 2})
	sess := testSession(t, conn)

	rec, err := New(testLog()).Latest(context.Background(), sess)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
