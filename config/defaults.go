package config

import (
	"time"

	"github.com/hardenline/stigdrive/common"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultRunTimeout     = 2 * time.Hour
	DefaultGracePeriod    = 10 * time.Second
)

// ApplyDefaults fills unset fields in place. Called after Load and
// after CLI flag merging, so flags win over file values and both win
// over defaults.
func ApplyDefaults(cfg *RunConfig) {
	if cfg.Target.Port == 0 {
		cfg.Target.Port = common.DefaultSSHPort
	}
	if cfg.Timeout.Connect == 0 {
		cfg.Timeout.Connect = Duration(DefaultConnectTimeout)
	}
	if cfg.Timeout.Run == 0 {
		cfg.Timeout.Run = Duration(DefaultRunTimeout)
	}
	if cfg.Timeout.Grace == 0 {
		cfg.Timeout.Grace = Duration(DefaultGracePeriod)
	}
	if len(cfg.Backup.Paths) == 0 {
		cfg.Backup.Paths = append([]string(nil), common.DefaultBackupPaths...)
	}
	if cfg.Backup.Root == "" {
		cfg.Backup.Root = common.BackupRoot
	}
	if len(cfg.Offline.CriticalPackages) == 0 {
		cfg.Offline.CriticalPackages = append([]string(nil), common.DefaultCriticalPackages...)
	}
	if len(cfg.Verify.Services) == 0 {
		cfg.Verify.Services = append([]string(nil), common.DefaultVerifyServices...)
	}
}
