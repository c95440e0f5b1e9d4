package connector

import (
	"context"
	"io"
	"os"
)

// Executor runs short remote commands to completion.
type Executor interface {
	Exec(ctx context.Context, cmd string) (stdout []byte, stderr []byte, exitCode int, err error)
	// ExecWithInput runs cmd with the given string pre-written to its
	// stdin, for commands that read one line (sudo -S probes).
	ExecWithInput(ctx context.Context, cmd string, input string) (stdout []byte, stderr []byte, exitCode int, err error)
	// SudoExec runs cmd under an elevated shell, using whichever sudo
	// form ConfigureSudo selected. The elevation secret, if one is
	// needed, is fed through stdin and never appears in the command line.
	SudoExec(ctx context.Context, cmd string) (stdout []byte, stderr []byte, exitCode int, err error)
	// ConfigureSudo selects the elevation form for SudoExec. With
	// needsSecret false, commands run under sudo -n; otherwise secret is
	// consulted per call and written to the command's stdin.
	ConfigureSudo(needsSecret bool, secret func() (string, error))
}

// Starter launches a long-lived remote process whose streams the caller
// owns. The execution channel runs the payload through this.
type Starter interface {
	Start(ctx context.Context, cmd string) (Process, error)
}

// Process is a running remote command. Stdout and Stderr deliver raw
// chunks as the remote produces them; Wait blocks until exit and reports
// the exit code. Terminate is a best-effort kill request; Close tears the
// underlying session down unconditionally.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (exitCode int, err error)
	Terminate() error
	Close() error
}

// FileOperator covers the remote filesystem operations the transfer and
// backup layers need.
type FileOperator interface {
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Scp(ctx context.Context, localReader io.Reader, remotePath string, mode os.FileMode) error
	StatRemote(ctx context.Context, remotePath string) (os.FileInfo, error)
	RemoteFileExist(ctx context.Context, remotePath string) (bool, error)
	RemoteDirExist(ctx context.Context, remotePath string) (bool, error)
	MkDirAll(ctx context.Context, remotePath string, mode os.FileMode) error
	RemoveAll(ctx context.Context, remotePath string) error
	Chmod(ctx context.Context, remotePath string, mode os.FileMode) error
	VerifyChecksum(ctx context.Context, localPath, remotePath string) error
}

// Connection is one authenticated transport handle to the target.
type Connection interface {
	Executor
	Starter
	FileOperator
	Close() error
}
