package verify

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hardenline/stigdrive/session"
)

// TargetInfo is the read-only preflight snapshot taken right after the
// session opens, before anything is transferred to the target.
type TargetInfo struct {
	OSName string
	Disk   string
	Memory string
}

// Preflight reads identity and capacity facts from the target without
// changing anything. A host whose os-release cannot be read is not one
// this tool should be pointed at, so that failure is returned; the
// capacity probes are informational only. The os-release content is
// memoized in the session facts.
func Preflight(ctx context.Context, log *logrus.Entry, sess *session.Session) (*TargetInfo, error) {
	osRelease, err := sess.Facts.GetOrCompute("os-release", func() (string, error) {
		stdout, stderr, code, err := sess.Run(ctx, "cat /etc/os-release")
		if err != nil {
			return "", errors.Wrap(err, "failed to read /etc/os-release")
		}
		if code != 0 {
			return "", errors.Errorf("reading /etc/os-release exited %d: %s", code, strings.TrimSpace(stderr))
		}
		return stdout, nil
	})
	if err != nil {
		return nil, err
	}

	info := &TargetInfo{OSName: prettyName(osRelease)}
	if stdout, _, code, err := sess.Run(ctx, "df -h / | tail -1"); err == nil && code == 0 {
		info.Disk = strings.TrimSpace(stdout)
	}
	if stdout, _, code, err := sess.Run(ctx, "free -m | grep -i '^mem'"); err == nil && code == 0 {
		info.Memory = strings.TrimSpace(stdout)
	}
	log.Infof("Target preflight: %s [disk=%q memory=%q]", info.OSName, info.Disk, info.Memory)
	return info, nil
}

func prettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
		}
	}
	return "unknown"
}
