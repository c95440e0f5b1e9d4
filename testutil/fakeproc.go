package testutil

import (
	"bytes"
	"io"
	"sync"

	"github.com/hardenline/stigdrive/connector"
)

// FakeProcess is a scriptable connector.Process. Tests drive the output
// side chunk by chunk through StdoutW/StderrW (each Write is delivered
// as one Read on the consumer side, so chunk boundaries are exactly what
// the test writes), then finish it with Exit.
type FakeProcess struct {
	StdoutW *io.PipeWriter
	StderrW *io.PipeWriter

	stdoutR *io.PipeReader
	stderrR *io.PipeReader

	// ExitOnTerminate makes Terminate behave like a process honoring
	// SIGTERM: the fake exits with code 143.
	ExitOnTerminate bool

	mu         sync.Mutex
	stdin      bytes.Buffer
	terminated bool

	exitCh   chan int
	exitOnce sync.Once
}

var _ connector.Process = (*FakeProcess)(nil)

func NewFakeProcess() *FakeProcess {
	p := &FakeProcess{exitCh: make(chan int, 1)}
	p.stdoutR, p.StdoutW = io.Pipe()
	p.stderrR, p.StderrW = io.Pipe()
	return p
}

func (p *FakeProcess) Stdin() io.Writer  { return stdinWriter{p} }
func (p *FakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader { return p.stderrR }

type stdinWriter struct{ p *FakeProcess }

func (w stdinWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.stdin.Write(b)
}

// StdinContents returns everything written to the process stdin so far.
func (p *FakeProcess) StdinContents() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.String()
}

// Exit completes the process: closes both output streams and releases
// Wait with the given code. Safe to call once; later calls are ignored.
func (p *FakeProcess) Exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.StdoutW.Close()
		_ = p.StderrW.Close()
		p.exitCh <- code
	})
}

func (p *FakeProcess) Wait() (int, error) {
	code := <-p.exitCh
	return code, nil
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if p.ExitOnTerminate {
		p.Exit(143)
	}
	return nil
}

// Terminated reports whether Terminate was called.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *FakeProcess) Close() error {
	p.Exit(-1)
	return nil
}
