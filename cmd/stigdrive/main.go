package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardenline/stigdrive/backup"
	"github.com/hardenline/stigdrive/common"
	"github.com/hardenline/stigdrive/config"
	"github.com/hardenline/stigdrive/logger"
	"github.com/hardenline/stigdrive/orchestrator"
	"github.com/hardenline/stigdrive/session"
	"github.com/hardenline/stigdrive/vault"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(2)
	}
}

// cliFlags carries the flag values merged over the config file. A flag
// explicitly set on the command line wins over the file.
type cliFlags struct {
	configPath string
	host       string
	port       int
	user       string
	keyPath    string
	payload    string
	offline    bool
	bundleDir  string
	logFile    string
	verbose    bool
	runTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   common.AppName,
		Short: "Drive a privileged hardening payload on a remote target over SSH",
		Long: "stigdrive opens one SSH session to an air-gapped target, stages the\n" +
			"hardening payload (and, in offline mode, its package bundle), snapshots\n" +
			"the declared configuration paths, then runs the payload elevated with\n" +
			"live output streaming and a global deadline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarden(cmd, f)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "run configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&f.host, "host", "", "target host")
	cmd.PersistentFlags().IntVar(&f.port, "port", 0, "target SSH port")
	cmd.PersistentFlags().StringVarP(&f.user, "user", "u", "", "SSH username")
	cmd.PersistentFlags().StringVarP(&f.keyPath, "key", "k", "", "SSH private key path")
	cmd.PersistentFlags().StringVar(&f.logFile, "log-file", "", "rotating log file path")
	cmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "local payload script path")
	cmd.Flags().BoolVar(&f.offline, "offline", false, "enable offline package staging")
	cmd.Flags().StringVar(&f.bundleDir, "bundle", "", "offline bundle directory")
	cmd.Flags().DurationVar(&f.runTimeout, "timeout", 0, "global run deadline (e.g. 90m)")

	cmd.AddCommand(newRestoreCmd(f))
	return cmd
}

// buildConfig loads the file (if any), overlays explicit flags and
// applies defaults. Secrets are never part of this.
func buildConfig(cmd *cobra.Command, f *cliFlags) (*config.RunConfig, error) {
	cfg := &config.RunConfig{}
	if f.configPath != "" {
		loaded, err := config.NewLoader(f.configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.host != "" {
		cfg.Target.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Target.Port = f.port
	}
	if f.user != "" {
		cfg.Target.User = f.user
	}
	if f.keyPath != "" {
		cfg.Target.PrivateKeyPath = f.keyPath
	}
	if f.payload != "" {
		cfg.Payload.LocalPath = f.payload
	}
	if cmd.Flags().Changed("offline") {
		cfg.Offline.Enabled = f.offline
	}
	if f.bundleDir != "" {
		cfg.Offline.BundleDir = f.bundleDir
	}
	if f.logFile != "" {
		cfg.Logging.File = f.logFile
	}
	if f.verbose {
		cfg.Logging.Verbose = true
	}
	if f.runTimeout > 0 {
		cfg.Timeout.Run = config.Duration(f.runTimeout)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	return cfg, nil
}

// obtainSecrets prompts without echo. The auth secret is skipped when a
// private key is configured; an empty elevation secret is allowed for
// targets with passwordless sudo.
func obtainSecrets(cfg *config.RunConfig) (*vault.Vault, error) {
	provider := vault.TerminalProvider{}
	v := vault.New(provider)

	who := fmt.Sprintf("%s@%s", cfg.Target.User, cfg.Target.Host)
	if cfg.Target.PrivateKeyPath == "" {
		if err := v.Require(vault.RefAuth, fmt.Sprintf("SSH password for %s: ", who)); err != nil {
			return nil, err
		}
	}
	secret, err := provider.Obtain(fmt.Sprintf("sudo password for %s (empty for passwordless sudo): ", who))
	if err != nil {
		return nil, err
	}
	if secret != "" {
		v.Store(vault.RefElevation, secret)
	}
	return v, nil
}

func runHarden(cmd *cobra.Command, f *cliFlags) error {
	cfg, err := buildConfig(cmd, f)
	if err != nil {
		return err
	}
	if err := logger.InitGlobalLogger(cfg.Logging.File, cfg.Logging.Verbose); err != nil {
		return err
	}
	v, err := obtainSecrets(cfg)
	if err != nil {
		return err
	}
	defer v.Wipe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome := orchestrator.New(cfg, v).Run(ctx)
	report(outcome)

	switch outcome.Class {
	case orchestrator.Success, orchestrator.PartialSuccess:
		return nil
	case orchestrator.Cancelled:
		os.Exit(130)
	default:
		os.Exit(1)
	}
	return nil
}

func report(outcome *orchestrator.RunOutcome) {
	log := logger.Log
	log.Infof("Run %s finished: %s (exit %d, elapsed %s, last stage %s)",
		outcome.RunID, outcome.Class, outcome.ExitCode,
		outcome.Elapsed.Round(time.Second), outcome.LastStage)
	if outcome.Reason != "" {
		log.Warnf("Reason: %s", outcome.Reason)
	}
	if outcome.Target != nil {
		log.Infof("Target system: %s", outcome.Target.OSName)
	}
	if outcome.Install != nil {
		log.Infof("Packages: %s", outcome.Install)
	}
	if outcome.Backup != nil {
		log.Infof("Backup record: %s", outcome.Backup.Dir)
	}
	if outcome.Verify != nil && !outcome.Verify.AllHealthy() {
		for _, s := range outcome.Verify.Services {
			if !s.Active {
				log.Warnf("Service %s not active: %s", s.Name, s.Detail)
			}
		}
		if !outcome.Verify.SSHConfigOK {
			log.Warnf("sshd configuration check failed: %s", outcome.Verify.SSHConfigDetail)
		}
	}
}

func newRestoreCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the most recent backup record on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildRestoreConfig(cmd, f)
			if err != nil {
				return err
			}
			if err := logger.InitGlobalLogger(cfg.Logging.File, cfg.Logging.Verbose); err != nil {
				return err
			}
			v, err := obtainSecrets(cfg)
			if err != nil {
				return err
			}
			defer v.Wipe()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := session.NewManager(v).Open(ctx, session.ConnectionSpec{
				Host:            cfg.Target.Host,
				Port:            cfg.Target.Port,
				Username:        cfg.Target.User,
				PrivateKeyPath:  cfg.Target.PrivateKeyPath,
				AuthSecret:      vault.RefAuth,
				ElevationSecret: vault.RefElevation,
				Timeout:         cfg.Timeout.Connect.Std(),
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			log := logger.ForRun(sess.ID).WithField(common.LogFieldHost, cfg.Target.Host)
			coord := backup.NewWithRoot(log, cfg.Backup.Root)
			rec, err := coord.Latest(ctx, sess)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no backup records found under %s on %s", cfg.Backup.Root, cfg.Target.Host)
			}
			log.Infof("Restoring record %s (%d paths)", rec.TimestampID, len(rec.Entries))
			rep := coord.Restore(ctx, sess, rec)
			log.Infof("Restore finished: %d restored, %d failed", len(rep.Restored), len(rep.Failures))
			if len(rep.Failures) > 0 {
				return fmt.Errorf("%d paths failed to restore", len(rep.Failures))
			}
			return nil
		},
	}
}

// buildRestoreConfig is buildConfig minus the payload requirement.
func buildRestoreConfig(cmd *cobra.Command, f *cliFlags) (*config.RunConfig, error) {
	cfg := &config.RunConfig{}
	if f.configPath != "" {
		loaded, err := config.NewLoader(f.configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.host != "" {
		cfg.Target.Host = f.host
	}
	if f.user != "" {
		cfg.Target.User = f.user
	}
	if f.keyPath != "" {
		cfg.Target.PrivateKeyPath = f.keyPath
	}
	if cfg.Target.Host == "" || cfg.Target.User == "" {
		return nil, fmt.Errorf("target host and user are required (flags or config file)")
	}
	config.ApplyDefaults(cfg)
	return cfg, nil
}
