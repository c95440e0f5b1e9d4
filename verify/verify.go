package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/session"
)

// ServiceStatus is one service activity probe.
type ServiceStatus struct {
	Name   string
	Active bool
	Detail string
}

// Report is the informational post-run state summary. It never fails
// the run on its own; the operator reads it alongside the payload exit.
type Report struct {
	Services        []ServiceStatus
	SSHConfigOK     bool
	SSHConfigDetail string
}

// AllHealthy reports whether every probe passed.
func (r *Report) AllHealthy() bool {
	if !r.SSHConfigOK {
		return false
	}
	for _, s := range r.Services {
		if !s.Active {
			return false
		}
	}
	return true
}

// Verifier runs best-effort state checks after the payload, whatever
// its exit code: the payload may apply most changes before failing on
// one, and the operator needs to know what state the target is in.
type Verifier struct {
	services []string
	log      *logrus.Entry
}

// New creates a Verifier for the given services; nil selects the
// default set.
func New(log *logrus.Entry, services []string) *Verifier {
	if len(services) == 0 {
		services = common.DefaultVerifyServices
	}
	return &Verifier{services: services, log: log}
}

// Check probes service activity and validates the sshd configuration.
// An unreachable probe is recorded as inactive, never as an error.
func (v *Verifier) Check(ctx context.Context, sess *session.Session) *Report {
	report := &Report{}
	for _, svc := range v.services {
		stdout, stderr, code, err := sess.SudoRun(ctx, fmt.Sprintf("systemctl is-active '%s'", svc))
		status := ServiceStatus{Name: svc}
		switch {
		case err != nil:
			status.Detail = err.Error()
		case code == 0 && strings.TrimSpace(stdout) == "active":
			status.Active = true
		default:
			status.Detail = strings.TrimSpace(stdout + stderr)
		}
		if status.Active {
			v.log.Debugf("Service %s active", svc)
		} else {
			v.log.Warnf("Service %s not active: %s", svc, status.Detail)
		}
		report.Services = append(report.Services, status)
	}

	_, stderr, code, err := sess.SudoRun(ctx, "sshd -t")
	switch {
	case err != nil:
		report.SSHConfigDetail = err.Error()
	case code == 0:
		report.SSHConfigOK = true
	default:
		report.SSHConfigDetail = strings.TrimSpace(stderr)
	}
	if report.SSHConfigOK {
		v.log.Debug("sshd configuration validates")
	} else {
		v.log.Warnf("sshd configuration check failed: %s", report.SSHConfigDetail)
	}
	return report
}
