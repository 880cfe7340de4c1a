package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cipherlink/internal/app"
)

var (
	cfgFile string
	client  *app.Client
	logger  *zap.Logger
)

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if client != nil {
		if cerr := client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if logger != nil && logger.Core().Enabled(zap.DebugLevel) {
			logger.Error("command failed", zap.Error(err))
		}
	}
	if logger != nil {
		_ = logger.Sync()
	}
	return err
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cipherlink",
		Short:         "End-to-end encrypted multi-device messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := app.NewViper(cfgFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := app.LoadConfig(v)
			if err != nil {
				return err
			}
			if logger, err = newLogger(cfg.Debug); err != nil {
				return err
			}
			w, err := app.NewWire(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			client = app.NewClient(w)
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default ~/.cipherlink/cipherlink.yaml)")
	f.String("home", "", "state directory (default ~/.cipherlink)")
	f.String("relay", "", "key directory base URL")
	f.StringP("username", "u", "", "your username")
	f.StringP("passphrase", "p", "", "passphrase protecting the local key vault")
	f.String("fast-tier", "", "fast storage tier: file, memory or redis")
	f.String("durable-tier", "", "durable storage tier: vault, postgres or none")
	f.Bool("debug", false, "development logging")

	root.AddCommand(
		initCmd(),
		devicesCmd(),
		sendCmd(),
		recvCmd(),
		rotateCmd(),
		backupCmd(),
		restoreCmd(),
		fingerprintCmd(),
	)
	return root
}

// bindFlags maps persistent flags onto config keys. Only flags the user
// set override the file and environment.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	keys := map[string]string{
		"home":         "home",
		"relay":        "relay_url",
		"username":     "username",
		"passphrase":   "passphrase",
		"fast-tier":    "fast_tier",
		"durable-tier": "durable_tier",
		"debug":        "debug",
	}
	for flag, key := range keys {
		fl := cmd.Flags().Lookup(flag)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// ready runs Init and explains the restore case.
func ready(ctx context.Context) (app.InitResult, error) {
	res, err := client.Init(ctx)
	if app.IsRestoreRequired(err) {
		return res, fmt.Errorf("%w: run `cipherlink restore`", err)
	}
	return res, err
}

func out(format string, a ...any) {
	fmt.Fprintf(os.Stdout, format, a...)
}
