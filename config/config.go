package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig is the top-level run configuration. It never carries secret
// values; secrets are obtained interactively and held in the vault.
type RunConfig struct {
	Target  TargetSpec  `yaml:"target"`
	Payload PayloadSpec `yaml:"payload"`
	Offline OfflineSpec `yaml:"offline,omitempty"`
	Backup  BackupSpec  `yaml:"backup,omitempty"`
	Verify  VerifySpec  `yaml:"verify,omitempty"`
	Timeout TimeoutSpec `yaml:"timeouts,omitempty"`
	Logging LoggingSpec `yaml:"logging,omitempty"`
}

// TargetSpec identifies the remote host.
type TargetSpec struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port,omitempty"` // defaults to 22
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
}

// PayloadSpec names the hardening script and how its output is read.
type PayloadSpec struct {
	LocalPath string   `yaml:"localPath"`
	Args      []string `yaml:"args,omitempty"`
	// PromptPatterns override the built-in elevation prompt regexps,
	// for targets with localized sudo messages.
	PromptPatterns   []string `yaml:"promptPatterns,omitempty"`
	CompletionMarker string   `yaml:"completionMarker,omitempty"`
}

// OfflineSpec enables the air-gapped package path.
type OfflineSpec struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	BundleDir string `yaml:"bundleDir,omitempty"`
	// CriticalPackages escalate a failed install to a failed run.
	CriticalPackages []string `yaml:"criticalPackages,omitempty"`
}

// BackupSpec declares what is snapshotted before the payload runs.
type BackupSpec struct {
	Paths []string `yaml:"paths,omitempty"`
	Root  string   `yaml:"root,omitempty"`
}

// VerifySpec lists the services the post-run verifier probes.
type VerifySpec struct {
	Services []string `yaml:"services,omitempty"`
}

// TimeoutSpec bounds the run.
type TimeoutSpec struct {
	Connect Duration `yaml:"connect,omitempty"`
	Run     Duration `yaml:"run,omitempty"`
	Grace   Duration `yaml:"grace,omitempty"`
}

// LoggingSpec configures the rotating file sink.
type LoggingSpec struct {
	File    string `yaml:"file,omitempty"`
	Verbose bool   `yaml:"verbose,omitempty"`
}

// Duration wraps time.Duration with YAML decoding of values like "90m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
