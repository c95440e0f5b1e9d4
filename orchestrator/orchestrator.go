package orchestrator

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/backup"
	"github.com/hardenline/stigdrive/channel"
	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/config"
	"github.com/hardenline/stigdrive/file"
	"github.com/hardenline/stigdrive/installer"
	"github.com/hardenline/stigdrive/logger"
	"github.com/hardenline/stigdrive/session"
	"github.com/hardenline/stigdrive/stager"
	"github.com/hardenline/stigdrive/transfer"
	"github.com/hardenline/stigdrive/vault"
	"github.com/hardenline/stigdrive/verify"
)

// Class is the terminal classification of one run.
type Class int

const (
	// Success: payload exited 0, no package failures, target verifies.
	Success Class = iota
	// PartialSuccess: payload exited 0 but a non-critical package
	// failed or a post-run probe is unhealthy.
	PartialSuccess
	// Failed: payload exited nonzero, elevation was rejected, or a
	// critical package failed to install.
	Failed
	// Cancelled: the operator interrupted the run.
	Cancelled
	// Aborted: a fatal infrastructure error or the run deadline stopped
	// the run before the payload finished.
	Aborted
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case PartialSuccess:
		return "partial-success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// RunOutcome is the single terminal record of a run, the only object
// handed back to the CLI layer.
type RunOutcome struct {
	RunID    string
	Class    Class
	ExitCode int
	Reason   string
	// LastStage names the last stage that completed. Everything up to
	// and including it ran; everything after it did not touch the
	// target.
	LastStage string
	// Target is the read-only preflight snapshot, present once the
	// session opened.
	Target  *verify.TargetInfo
	Backup  *backup.Record
	Install *installer.Report
	Verify  *verify.Report
	Elapsed time.Duration
}

// Orchestrator sequences one hardening run end to end: local staging,
// session open, artifact transfer, offline install, backup snapshot,
// payload execution, verification, teardown. One active session at a
// time; fleet behavior is a different layer.
type Orchestrator struct {
	cfg   *config.RunConfig
	vault *vault.Vault
	mgr   *session.Manager
}

// New wires an Orchestrator with a real SSH-backed session manager.
func New(cfg *config.RunConfig, v *vault.Vault) *Orchestrator {
	return NewWithManager(cfg, v, session.NewManager(v))
}

// NewWithManager injects the session manager, letting tests swap the
// transport.
func NewWithManager(cfg *config.RunConfig, v *vault.Vault, mgr *session.Manager) *Orchestrator {
	return &Orchestrator{cfg: cfg, vault: v, mgr: mgr}
}

// run carries the mutable state of one invocation.
type run struct {
	outcome        *RunOutcome
	sess           *session.Session
	workDir        string
	log            *logrus.Entry
	bundle         *stager.Bundle
	transferReport *transfer.Report
	snapshotted    bool
}

// Run executes the whole sequence and always returns an outcome,
// produced exactly once. The context bounds the entire run; the
// configured run timeout is layered on top of it.
func (o *Orchestrator) Run(ctx context.Context) *RunOutcome {
	started := time.Now()
	r := &run{
		outcome: &RunOutcome{},
		log:     logger.Log.WithField(common.LogFieldHost, o.cfg.Target.Host),
	}
	defer func() { r.outcome.Elapsed = time.Since(started) }()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout.Run.Std())
	defer cancel()

	if err := o.stageLocal(r); err != nil {
		return o.abort(r, common.StageStageLocal, err)
	}
	r.outcome.LastStage = common.StageStageLocal

	if err := o.connect(ctx, r); err != nil {
		return o.abort(r, common.StageConnect, err)
	}
	defer o.teardown(ctx, r)

	info, err := verify.Preflight(ctx, r.log, r.sess)
	if err != nil {
		return o.abort(r, common.StageConnect, err)
	}
	r.outcome.Target = info
	r.outcome.LastStage = common.StageConnect

	if err := o.transferArtifacts(ctx, r); err != nil {
		return o.abort(r, common.StageTransfer, err)
	}
	r.outcome.LastStage = common.StageTransfer

	if o.cfg.Offline.Enabled {
		if fatal := o.installPackages(ctx, r); fatal != nil {
			r.outcome.Class = Failed
			r.outcome.Reason = fatal.Error()
			return r.outcome
		}
		r.outcome.LastStage = common.StageInstall
	}

	if err := o.snapshot(ctx, r); err != nil {
		return o.abort(r, common.StageBackup, err)
	}
	r.outcome.LastStage = common.StageBackup

	res, err := o.execute(ctx, r)
	if err != nil {
		return o.abort(r, common.StageExecute, err)
	}
	r.outcome.ExitCode = res.ExitCode

	switch res.State {
	case channel.TimedOut:
		r.outcome.Class = Aborted
		r.outcome.Reason = res.Reason
		return r.outcome
	case channel.Cancelled:
		r.outcome.Class = Cancelled
		r.outcome.Reason = res.Reason
		return r.outcome
	case channel.Failed:
		r.outcome.Class = Failed
		r.outcome.Reason = res.Reason
	}
	r.outcome.LastStage = common.StageExecute

	// Verification runs even on payload failure: most rules may have
	// applied before the one that broke.
	r.outcome.Verify = verify.New(r.log, o.cfg.Verify.Services).Check(ctx, r.sess)
	r.outcome.LastStage = common.StageVerify

	if r.outcome.Class != Failed {
		o.classifySuccess(r)
	}
	return r.outcome
}

// stageLocal validates the payload and, in offline mode, the bundle.
// Nothing remote is touched here.
func (o *Orchestrator) stageLocal(r *run) error {
	size, err := file.Size(o.cfg.Payload.LocalPath)
	if err != nil {
		return fmt.Errorf("payload %s is not readable: %w", o.cfg.Payload.LocalPath, err)
	}
	if size == 0 {
		return fmt.Errorf("payload %s is empty", o.cfg.Payload.LocalPath)
	}
	if o.cfg.Offline.Enabled {
		bundle, err := stager.Load(o.cfg.Offline.BundleDir)
		if err != nil {
			return err
		}
		r.bundle = bundle
		r.log.Infof("Offline bundle verified [packages=%d missing=%d]", len(bundle.Packages), len(bundle.Missing))
	}
	return nil
}

func (o *Orchestrator) connect(ctx context.Context, r *run) error {
	sess, err := o.mgr.Open(ctx, session.ConnectionSpec{
		Host:            o.cfg.Target.Host,
		Port:            o.cfg.Target.Port,
		Username:        o.cfg.Target.User,
		PrivateKeyPath:  o.cfg.Target.PrivateKeyPath,
		AuthSecret:      vault.RefAuth,
		ElevationSecret: vault.RefElevation,
		Timeout:         o.cfg.Timeout.Connect.Std(),
	})
	if err != nil {
		return err
	}
	r.sess = sess
	r.outcome.RunID = sess.ID
	r.workDir = common.RemoteWorkDir(sess.ID)
	r.log = logger.ForRun(sess.ID).WithField(common.LogFieldHost, o.cfg.Target.Host)

	if err := sess.Conn().MkDirAll(ctx, r.workDir, common.FileMode0755); err != nil {
		_ = sess.Close()
		return fmt.Errorf("failed to create remote workspace %s: %w", r.workDir, err)
	}
	return nil
}

func (o *Orchestrator) transferArtifacts(ctx context.Context, r *run) error {
	m := transfer.NewManifest()
	remotePayload := path.Join(r.workDir, filepath.Base(o.cfg.Payload.LocalPath))
	if err := m.AddPayload(o.cfg.Payload.LocalPath, remotePayload); err != nil {
		return err
	}
	if r.bundle != nil {
		if err := m.AddPackages(r.bundle.Packages, path.Join(r.workDir, "packages")); err != nil {
			return err
		}
		if err := m.AddSupport(r.bundle.Support, r.workDir); err != nil {
			return err
		}
	}

	stageLog := r.log.WithField(common.LogFieldStage, common.StageTransfer)
	report, err := transfer.NewEngine(stageLog).Transfer(ctx, r.sess, m)
	if err != nil {
		return err
	}
	r.transferReport = report
	stageLog.Infof("Transferred %d artifacts [missing=%d]", len(report.Transferred), len(report.Missing))
	return nil
}

// installPackages runs the offline installer and applies the
// critical-package policy. A non-nil return is fatal to the run.
func (o *Orchestrator) installPackages(ctx context.Context, r *run) error {
	stageLog := r.log.WithField(common.LogFieldStage, common.StageInstall)
	missing := r.transferReport.MissingNames()
	if r.bundle != nil {
		missing = append(missing, r.bundle.Missing...)
	}
	report := installer.New(stageLog).InstallAll(ctx, r.sess, r.transferReport.PackagePaths(), missing)
	r.outcome.Install = report
	stageLog.Infof("Package install finished: %s", report)

	for _, name := range report.FailedNames() {
		for _, critical := range o.cfg.Offline.CriticalPackages {
			if name == critical {
				return fmt.Errorf("critical package %s failed to install", name)
			}
		}
	}
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, r *run) error {
	stageLog := r.log.WithField(common.LogFieldStage, common.StageBackup)
	rec, err := backup.NewWithRoot(stageLog, o.cfg.Backup.Root).Snapshot(ctx, r.sess, o.cfg.Backup.Paths, r.workDir)
	if err != nil {
		return err
	}
	r.outcome.Backup = rec
	r.snapshotted = true
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*channel.Result, error) {
	stageLog := r.log.WithField(common.LogFieldStage, common.StageExecute)
	ch := channel.New(channel.Config{
		PromptPatterns:   o.cfg.Payload.PromptPatterns,
		CompletionMarker: o.cfg.Payload.CompletionMarker,
		Grace:            o.cfg.Timeout.Grace.Std(),
	}, o.vault, vault.RefElevation, channel.LogSink{Entry: stageLog}, stageLog)

	remotePayload := path.Join(r.workDir, filepath.Base(o.cfg.Payload.LocalPath))
	return ch.Run(ctx, r.sess.Conn(), payloadCommand(remotePayload, o.cfg.Payload.Args))
}

// payloadCommand builds the elevated invocation the channel starts. The
// plain sudo form is deliberate: when a credential is needed the prompt
// surfaces on the PTY and the channel injects it.
func payloadCommand(remotePayload string, args []string) string {
	var b strings.Builder
	b.WriteString("sudo -E /bin/bash ")
	b.WriteString(quote(remotePayload))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quote(a))
	}
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// classifySuccess decides Success vs PartialSuccess for a zero-exit run.
func (o *Orchestrator) classifySuccess(r *run) {
	r.outcome.Class = Success
	if r.outcome.Install != nil && len(r.outcome.Install.Failed()) > 0 {
		r.outcome.Class = PartialSuccess
		r.outcome.Reason = "some packages failed to install"
	}
	if r.outcome.Verify != nil && !r.outcome.Verify.AllHealthy() {
		r.outcome.Class = PartialSuccess
		if r.outcome.Reason == "" {
			r.outcome.Reason = "post-run verification reported unhealthy probes"
		}
	}
}

// abort finalizes a fatal outcome. The class depends on where the run
// stopped: before the session exists nothing was touched; after the
// snapshot the backup location is preserved and reported.
func (o *Orchestrator) abort(r *run, stage string, err error) *RunOutcome {
	r.outcome.Class = Aborted
	r.outcome.Reason = err.Error()
	r.outcome.ExitCode = -1
	r.log.Errorf("Run aborted during %s: %v", stage, err)
	if r.outcome.Backup != nil {
		r.log.Errorf("Backup retained at %s (restore manually or rerun with restore)", r.outcome.Backup.Dir)
	}
	return r.outcome
}

// teardown removes the remote workspace on success and keeps it for
// post-mortem on failure, then closes the session. Runs on every exit
// path once a session exists.
func (o *Orchestrator) teardown(ctx context.Context, r *run) {
	defer func() {
		if err := r.sess.Close(); err != nil {
			r.log.Warnf("Session close failed: %v", err)
		}
	}()

	keep := r.outcome.Class != Success && r.outcome.Class != PartialSuccess && r.snapshotted
	if keep {
		r.log.Infof("Keeping remote workspace %s for post-mortem", r.workDir)
		return
	}
	// Teardown still runs under a cancelled context after a timeout, so
	// give cleanup its own short deadline.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.sess.Conn().RemoveAll(cleanupCtx, r.workDir); err != nil {
		r.log.Warnf("Failed to remove remote workspace %s: %v", r.workDir, err)
	}
}
