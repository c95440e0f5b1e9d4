package common

import (
	"io/fs"
	"path"
)

const (
	AppName = "stigdrive"

	// RemoteTmpBase is the base directory for per-run remote workspaces.
	// Each run gets RemoteTmpBase/AppName/<runID>.
	RemoteTmpBase = "/tmp"

	// BackupRoot is the fixed remote directory under which timestamped
	// backup records are stored. Operators must be able to restore from
	// here by hand, so the layout stays readable without this tool.
	BackupRoot = "/var/backups"

	// BackupDirPrefix names each timestamped backup directory,
	// e.g. /var/backups/pre-stig-20260829_143000.
	BackupDirPrefix = "pre-stig-"

	// BackupManifestName is the manifest file written into every backup
	// directory, listing original-path -> backed-up-path pairs.
	BackupManifestName = "backup-manifest.yaml"
)

// RemoteWorkDir returns the unique remote workspace for a run.
func RemoteWorkDir(runID string) string {
	return path.Join(RemoteTmpBase, AppName, runID)
}

// Structured log field names, ordered Run | Stage | Host in the formatter.
const (
	LogFieldRun   = "Run"
	LogFieldStage = "Stage"
	LogFieldHost  = "Host"
)

// Stage names reported in RunOutcome.LastStage and carried as log fields.
// The orchestrator advances through these in order; the last completed
// stage tells the operator whether any remote state was touched.
const (
	StageStageLocal = "stage-local-dependencies"
	StageConnect    = "connect"
	StageTransfer   = "transfer-artifacts"
	StageInstall    = "install-packages"
	StageBackup     = "backup-snapshot"
	StageExecute    = "execute-payload"
	StageVerify     = "post-run-verify"
	StageTeardown   = "teardown"
)

const (
	// FileMode0755 represents rwxr-xr-x
	FileMode0755 fs.FileMode = 0755
	// FileMode0644 represents rw-r--r--
	FileMode0644 fs.FileMode = 0644
	// FileMode0600 represents rw-------
	FileMode0600 fs.FileMode = 0600
	// FileMode0700 represents rwx------
	FileMode0700 fs.FileMode = 0700
)

const DefaultSSHPort = 22

// DefaultCriticalPackages are the system packages whose install failure
// invalidates the whole run even though the offline installer otherwise
// tolerates missing packages. The audit subsystem is the canonical case.
var DefaultCriticalPackages = []string{"auditd"}

// DefaultVerifyServices are the services checked by the post-run verifier.
var DefaultVerifyServices = []string{"sshd", "auditd", "rsyslog", "ufw"}

// DefaultBackupPaths is the set of remote paths snapshotted before the
// payload runs when the run configuration does not override it.
var DefaultBackupPaths = []string{
	"/etc/ssh/sshd_config",
	"/etc/pam.d",
	"/etc/sudoers",
	"/etc/login.defs",
	"/etc/security",
	"/etc/sysctl.conf",
	"/etc/default/grub",
}
