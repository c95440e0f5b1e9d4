package verify

import (
	"context"
	"io"
	"strings"
	"testing"

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

func TestCheckAllHealthy(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "systemctl is-active", Stdout: "active\n"})
	sess := testSession(t, conn)

	report := New(testLog(), nil).Check(context.Background(), sess)
	require.Len(t, report.Services, 4)
	assert.True(t, report.SSHConfigOK)
	assert.True(t, report.AllHealthy())

	sudo := conn.SudoCalls()
	assert.Contains(t, sudo, "systemctl is-active 'auditd'")
	assert.Contains(t, sudo, "sshd -t")
}

func TestCheckReportsInactiveService(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "is-active 'auditd'", Stdout: "inactive\n", Exit: 3})
	conn.Script(testutil.Response{Match: "systemctl is-active", Stdout: "active\n"})
	sess := testSession(t, conn)

	report := New(testLog(), []string{"sshd", "auditd"}).Check(context.Background(), sess)
	assert.False(t, report.AllHealthy())

	var auditd ServiceStatus
	for _, s := range report.Services {
		if s.Name == "auditd" {
			auditd = s
		}
	}
	assert.False(t, auditd.Active)
	assert.Equal(t, "inactive", auditd.Detail)
}

func TestPreflightReportsTarget(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{
		Match:  "cat /etc/os-release",
		Stdout: "NAME=\"Ubuntu\"\nPRETTY_NAME=\"Ubuntu 22.04.4 LTS\"\nID=ubuntu\n",
	})
	conn.Script(testutil.Response{Match: "df -h /", Stdout: "/dev/sda1  40G  12G  28G  30% /\n"})
	conn.Script(testutil.Response{Match: "free -m", Stdout: "Mem: 7954 1202 6752\n"})
	sess := testSession(t, conn)

	info, err := Preflight(context.Background(), testLog(), sess)
	require.NoError(t, err)
	assert.Equal(t, "Ubuntu 22.04.4 LTS", info.OSName)
	assert.Contains(t, info.Disk, "/dev/sda1")
	assert.Contains(t, info.Memory, "Mem:")

	// The os-release read is memoized in the session facts.
	_, err = Preflight(context.Background(), testLog(), sess)
	require.NoError(t, err)
	reads := 0
	for _, c := range conn.Calls {
		if strings.Contains(c.Cmd, "os-release") {
			reads++
		}
	}
	assert.Equal(t, 1, reads)
}

func TestPreflightFailsWhenOSReleaseUnreadable(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "cat /etc/os-release", Exit: 1, Stderr: "No such file or directory"})
	sess := testSession(t, conn)

	_, err := Preflight(context.Background(), testLog(), sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "os-release")
}

func TestCheckReportsBrokenSSHConfig(t *testing.T) {
	conn := testutil.NewFakeConnection()
	conn.Script(testutil.Response{Match: "systemctl is-active", Stdout: "active\n"})
	conn.Script(testutil.Response{Match: "sshd -t", Exit: 255, Stderr: "line 42: Bad configuration option\n"})
	sess := testSession(t, conn)

	report := New(testLog(), []string{"sshd"}).Check(context.Background(), sess)
	assert.False(t, report.SSHConfigOK)
	assert.Contains(t, report.SSHConfigDetail, "Bad configuration option")
	assert.False(t, report.AllHealthy())
}
