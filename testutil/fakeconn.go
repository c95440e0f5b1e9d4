// Package testutil provides in-memory doubles for the SSH transport so
// unit tests exercise session, transfer, install, backup and channel
// logic without a real target host.
package testutil

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hardenline/stigdrive/connector"
)

// Response is one scripted reply for a command whose text contains Match.
type Response struct {
	Match  string
	Stdout string
	Stderr string
	Exit   int
	Err    error
	// Once limits the response to a single use, letting scripts model
	// state changes (package absent, then present).
	Once bool
	used bool
}

// ExecCall records one command issued against the fake.
type ExecCall struct {
	Cmd   string
	Input string
	Sudo  bool
}

// FakeConnection implements connector.Connection against scripted
// responses and an in-memory remote filesystem.
type FakeConnection struct {
	mu sync.Mutex

	Responses []*Response
	Calls     []ExecCall

	// Remote filesystem state.
	Files map[string][]byte
	Dirs  map[string]bool

	// TransientUploadFailures maps a remote path to a count of upload
	// attempts that fail with a connection reset before one succeeds.
	TransientUploadFailures map[string]int
	// UploadErrs maps a remote path to an error every upload attempt
	// returns, modeling permanent failures (permission denied, no space).
	UploadErrs map[string]error
	// UploadAttempts counts upload attempts per remote path.
	UploadAttempts map[string]int
	// TruncateUploads maps a remote path to a size the stored file is
	// truncated to, simulating a short write the size check must catch.
	TruncateUploads map[string]int64

	Removed []string
	Chmods  []string

	CloseCount      int
	CloseErr        error
	SudoNeedsSecret bool
	SudoSecretFn    func() (string, error)

	Proc     connector.Process
	StartErr error
	StartCmd string
}

var _ connector.Connection = (*FakeConnection)(nil)

// NewFakeConnection returns an empty fake with initialized maps.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		Files:                   make(map[string][]byte),
		Dirs:                    make(map[string]bool),
		TransientUploadFailures: make(map[string]int),
		UploadErrs:              make(map[string]error),
		UploadAttempts:          make(map[string]int),
		TruncateUploads:         make(map[string]int64),
	}
}

// Script appends a scripted response.
func (f *FakeConnection) Script(r Response) *FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, &r)
	return f
}

func (f *FakeConnection) respond(cmd string) (Response, bool) {
	for _, r := range f.Responses {
		if r.used {
			continue
		}
		if strings.Contains(cmd, r.Match) {
			if r.Once {
				r.used = true
			}
			return *r, true
		}
	}
	return Response{}, false
}

func (f *FakeConnection) exec(cmd, input string, sudo bool) ([]byte, []byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, ExecCall{Cmd: cmd, Input: input, Sudo: sudo})
	if r, ok := f.respond(cmd); ok {
		return []byte(r.Stdout), []byte(r.Stderr), r.Exit, r.Err
	}
	return nil, nil, 0, nil
}

func (f *FakeConnection) Exec(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, -1, err
	}
	return f.exec(cmd, "", false)
}

func (f *FakeConnection) ExecWithInput(ctx context.Context, cmd, input string) ([]byte, []byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, -1, err
	}
	return f.exec(cmd, input, false)
}

func (f *FakeConnection) SudoExec(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, -1, err
	}
	return f.exec(cmd, "", true)
}

func (f *FakeConnection) ConfigureSudo(needsSecret bool, secret func() (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SudoNeedsSecret = needsSecret
	f.SudoSecretFn = secret
}

func (f *FakeConnection) Start(ctx context.Context, cmd string) (connector.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCmd = cmd
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	return f.Proc, nil
}

func (f *FakeConnection) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return f.Scp(ctx, bytes.NewReader(content), remotePath, mode)
}

func (f *FakeConnection) Scp(ctx context.Context, localReader io.Reader, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := io.ReadAll(localReader)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadAttempts[remotePath]++
	if err, ok := f.UploadErrs[remotePath]; ok {
		return err
	}
	if n, ok := f.TransientUploadFailures[remotePath]; ok && n > 0 {
		f.TransientUploadFailures[remotePath] = n - 1
		return errors.New("connection reset by peer")
	}
	if limit, ok := f.TruncateUploads[remotePath]; ok && int64(len(content)) > limit {
		content = content[:limit]
	}
	f.Files[remotePath] = content
	return nil
}

type fakeFileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return fi.size }
func (fi fakeFileInfo) Mode() os.FileMode  { return 0644 }
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return fi.dir }
func (fi fakeFileInfo) Sys() interface{}   { return nil }

func (f *FakeConnection) StatRemote(ctx context.Context, remotePath string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content, ok := f.Files[remotePath]; ok {
		return fakeFileInfo{name: remotePath, size: int64(len(content))}, nil
	}
	if f.Dirs[remotePath] {
		return fakeFileInfo{name: remotePath, dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (f *FakeConnection) RemoteFileExist(ctx context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[remotePath]
	return ok, nil
}

func (f *FakeConnection) RemoteDirExist(ctx context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Dirs[remotePath], nil
}

func (f *FakeConnection) MkDirAll(ctx context.Context, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dirs[remotePath] = true
	return nil
}

func (f *FakeConnection) RemoveAll(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, remotePath)
	delete(f.Files, remotePath)
	delete(f.Dirs, remotePath)
	for p := range f.Files {
		if strings.HasPrefix(p, remotePath+"/") {
			delete(f.Files, p)
		}
	}
	return nil
}

func (f *FakeConnection) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chmods = append(f.Chmods, remotePath)
	return nil
}

func (f *FakeConnection) VerifyChecksum(ctx context.Context, localPath, remotePath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	remote, ok := f.Files[remotePath]
	if !ok {
		return errors.Errorf("remote file %s does not exist", remotePath)
	}
	if !bytes.Equal(content, remote) {
		return errors.Errorf("checksum mismatch for %s", remotePath)
	}
	return nil
}

func (f *FakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCount++
	return f.CloseErr
}

// SudoCalls returns the elevated commands issued so far.
func (f *FakeConnection) SudoCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if c.Sudo {
			out = append(out, c.Cmd)
		}
	}
	return out
}
