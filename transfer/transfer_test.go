package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestTransferPayloadAndPackages(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "#!/bin/bash\necho done\n")
	debA := writeLocal(t, "auditd_3.0.7-1_amd64.deb", "deb-a")
	debB := writeLocal(t, "aide_0.18-1_amd64.deb", "deb-b")

	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/stigdrive/run1/harden.sh"))
	require.NoError(t, m.AddPackages([]string{debA, debB}, "/tmp/stigdrive/run1/packages"))

	conn := testutil.NewFakeConnection()
	sess := testSession(t, conn)

	report, err := NewEngine(testLog()).Transfer(context.Background(), sess, m)
	require.NoError(t, err)
	assert.Len(t, report.Transferred, 3)
	assert.Empty(t, report.Missing)
	assert.Equal(t, []byte("#!/bin/bash\necho done\n"), conn.Files["/tmp/stigdrive/run1/harden.sh"])
	assert.True(t, conn.Dirs["/tmp/stigdrive/run1/packages"])
	// The payload's exec bit is enforced after the copy; packages are not.
	assert.Equal(t, []string{"/tmp/stigdrive/run1/harden.sh"}, conn.Chmods)
	assert.Equal(t, []string{
		"/tmp/stigdrive/run1/packages/auditd_3.0.7-1_amd64.deb",
		"/tmp/stigdrive/run1/packages/aide_0.18-1_amd64.deb",
	}, report.PackagePaths())
}

func TestTransferRetriesTransientFailure(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "payload")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))

	conn := testutil.NewFakeConnection()
	conn.TransientUploadFailures["/tmp/r/harden.sh"] = 2
	sess := testSession(t, conn)

	eng := NewEngineWithPolicy(testLog(), 3, time.Millisecond)
	report, err := eng.Transfer(context.Background(), sess, m)
	require.NoError(t, err)
	assert.Len(t, report.Transferred, 1)
	assert.Equal(t, []byte("payload"), conn.Files["/tmp/r/harden.sh"])
}

func TestTransferRequiredEntryExhaustsRetries(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "payload")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))

	conn := testutil.NewFakeConnection()
	conn.TransientUploadFailures["/tmp/r/harden.sh"] = 10
	sess := testSession(t, conn)

	_, err := NewEngineWithPolicy(testLog(), 3, time.Millisecond).Transfer(context.Background(), sess, m)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, payload, terr.Path)
}

func TestTransferOptionalEntryRecordedAsMissing(t *testing.T) {
	debA := writeLocal(t, "auditd_3.0.7-1_amd64.deb", "deb-a")
	debB := writeLocal(t, "aide_0.18-1_amd64.deb", "deb-b")
	m := NewManifest()
	require.NoError(t, m.AddPackages([]string{debA, debB}, "/tmp/r/packages"))

	conn := testutil.NewFakeConnection()
	conn.TransientUploadFailures["/tmp/r/packages/auditd_3.0.7-1_amd64.deb"] = 10
	sess := testSession(t, conn)

	report, err := NewEngineWithPolicy(testLog(), 2, time.Millisecond).Transfer(context.Background(), sess, m)
	require.NoError(t, err)
	assert.Len(t, report.Transferred, 1)
	assert.Equal(t, []string{"auditd_3.0.7-1_amd64.deb"}, report.MissingNames())
	// The later entry still went through.
	assert.Contains(t, conn.Files, "/tmp/r/packages/aide_0.18-1_amd64.deb")
}

func TestTransferFailsFastOnPermanentError(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "payload")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))

	conn := testutil.NewFakeConnection()
	conn.UploadErrs["/tmp/r/harden.sh"] = errors.New("permission denied")
	sess := testSession(t, conn)

	_, err := NewEngineWithPolicy(testLog(), 3, time.Millisecond).Transfer(context.Background(), sess, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	// No retry budget is spent on an error that cannot heal.
	assert.Equal(t, 1, conn.UploadAttempts["/tmp/r/harden.sh"])
}

func TestTransferRetrySpendsFullBudgetOnTransientError(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "payload")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))

	conn := testutil.NewFakeConnection()
	conn.TransientUploadFailures["/tmp/r/harden.sh"] = 10
	sess := testSession(t, conn)

	_, err := NewEngineWithPolicy(testLog(), 3, time.Millisecond).Transfer(context.Background(), sess, m)
	require.Error(t, err)
	assert.Equal(t, 3, conn.UploadAttempts["/tmp/r/harden.sh"])
}

func TestTransferDetectsShortWrite(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "0123456789")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))

	conn := testutil.NewFakeConnection()
	conn.TruncateUploads["/tmp/r/harden.sh"] = 4
	sess := testSession(t, conn)

	_, err := NewEngineWithPolicy(testLog(), 2, time.Millisecond).Transfer(context.Background(), sess, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match local size")
}

func TestManifestRejectsMissingLocalFile(t *testing.T) {
	m := NewManifest()
	err := m.AddPayload(filepath.Join(t.TempDir(), "absent.sh"), "/tmp/r/harden.sh")
	assert.Error(t, err)
}

func TestManifestEntrySizes(t *testing.T) {
	payload := writeLocal(t, "harden.sh", "12345")
	m := NewManifest()
	require.NoError(t, m.AddPayload(payload, "/tmp/r/harden.sh"))
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(5), m.Entries[0].Size)
	assert.Equal(t, Payload, m.Entries[0].Kind)
	assert.False(t, m.Entries[0].Optional)
}
