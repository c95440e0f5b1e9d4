package installer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/session"
)

// Status of one package after the install passes.
type Status int

const (
	Installed Status = iota
	AlreadyPresent
	Failed
)

func (s Status) String() string {
	switch s {
	case Installed:
		return "installed"
	case AlreadyPresent:
		return "already-present"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the per-package result.
type Outcome struct {
	Name   string
	Path   string
	Status Status
	Reason string
}

// Report aggregates outcomes for one run. A Failed outcome is not fatal
// here; the orchestrator applies the critical-package policy.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that ended in failure.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == Failed {
			out = append(out, o)
		}
	}
	return out
}

// FailedNames returns the package names that ended in failure.
func (r *Report) FailedNames() []string {
	var out []string
	for _, o := range r.Failed() {
		out = append(out, o.Name)
	}
	return out
}

func (r *Report) String() string {
	installed, present, failed := 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case Installed:
			installed++
		case AlreadyPresent:
			present++
		case Failed:
			failed++
		}
	}
	return fmt.Sprintf("%d installed, %d already present, %d failed", installed, present, failed)
}

// PackageName extracts the package name from a .deb file name. Debian
// convention is name_version_arch.deb.
func PackageName(debPath string) string {
	base := path.Base(debPath)
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, ".deb")
}

// Installer puts transferred .deb files onto the target with dpkg only;
// nothing here touches the network. The batch tool is not guaranteed to
// be partially atomic, so a batch pass is followed by individual
// attempts for whatever is still absent. That isolates one malformed
// file from blocking the rest at the cost of a few extra round trips.
type Installer struct {
	log *logrus.Entry
}

// New creates an Installer logging through the given entry.
func New(log *logrus.Entry) *Installer {
	return &Installer{log: log}
}

// InstallAll installs the given remote .deb paths. missing names
// packages the transfer engine could not deliver; they are recorded as
// failures so the critical-package policy sees them. Never returns an
// error: every problem is an Outcome.
func (ins *Installer) InstallAll(ctx context.Context, sess *session.Session, debPaths []string, missing []string) *Report {
	report := &Report{}
	for _, name := range missing {
		report.Outcomes = append(report.Outcomes, Outcome{
			Name:   PackageName(name),
			Status: Failed,
			Reason: "not transferred",
		})
	}

	// Pre-pass: skip anything dpkg already knows as installed. Makes a
	// second run of the same bundle a no-op.
	var pending []string
	for _, deb := range debPaths {
		name := PackageName(deb)
		if ins.isInstalled(ctx, sess, name) {
			ins.log.Debugf("Package %s already present, skipping", name)
			report.Outcomes = append(report.Outcomes, Outcome{Name: name, Path: deb, Status: AlreadyPresent})
			continue
		}
		pending = append(pending, deb)
	}
	if len(pending) == 0 {
		return report
	}

	// Pass 1: whole batch at once, then let dpkg finish half-configured
	// packages. Errors here are expected when one file is bad; pass 2
	// sorts out which ones actually landed.
	dir := path.Dir(pending[0])
	if _, stderr, code, err := sess.SudoRun(ctx, fmt.Sprintf("dpkg -i %s/*.deb", dir)); err != nil || code != 0 {
		ins.log.Warnf("Batch install exited %d (continuing with individual pass): %s", code, firstLine(stderr, err))
	}
	if _, stderr, code, err := sess.SudoRun(ctx, "dpkg --configure -a"); err != nil || code != 0 {
		ins.log.Warnf("dpkg --configure -a exited %d: %s", code, firstLine(stderr, err))
	}

	// Pass 2: anything still absent gets an individual attempt so a
	// single malformed file cannot mask the rest.
	for _, deb := range pending {
		name := PackageName(deb)
		if ins.isInstalled(ctx, sess, name) {
			report.Outcomes = append(report.Outcomes, Outcome{Name: name, Path: deb, Status: Installed})
			continue
		}
		ins.log.Infof("Package %s absent after batch pass, retrying individually", name)
		_, stderr, code, err := sess.SudoRun(ctx, fmt.Sprintf("dpkg -i '%s'", deb))
		if err == nil && code == 0 && ins.isInstalled(ctx, sess, name) {
			report.Outcomes = append(report.Outcomes, Outcome{Name: name, Path: deb, Status: Installed})
			continue
		}
		reason := firstLine(stderr, err)
		if reason == "" {
			reason = fmt.Sprintf("dpkg -i exited %d", code)
		}
		ins.log.Warnf("Package %s failed to install: %s", name, reason)
		report.Outcomes = append(report.Outcomes, Outcome{Name: name, Path: deb, Status: Failed, Reason: reason})
	}
	return report
}

// isInstalled probes dpkg for the package status. Positive answers are
// memoized in the session fact cache; negatives are re-probed because
// the install passes change them.
func (ins *Installer) isInstalled(ctx context.Context, sess *session.Session, name string) bool {
	key := "dpkg-status:" + name
	if v, ok := sess.Facts.Get(key); ok {
		return v == "installed"
	}
	stdout, _, code, err := sess.SudoRun(ctx, fmt.Sprintf("dpkg-query -W -f '${Status}' '%s'", name))
	installed := err == nil && code == 0 && strings.Contains(stdout, "install ok installed")
	if installed {
		sess.Facts.Set(key, "installed")
	}
	return installed
}

func firstLine(stderr string, err error) string {
	s := strings.TrimSpace(stderr)
	if s == "" && err != nil {
		s = err.Error()
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
