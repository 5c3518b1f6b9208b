// Command strideos boots the kernel with the bundled user programs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"strideos/kernel/config"
	"strideos/kernel/kfmt"
	"strideos/kernel/kmain"
	"strideos/user"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	initApps   []string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "strideos",
	Short: "strideos - a stride-scheduling teaching kernel",
	Long: `strideos runs a single-core preemptive kernel with a stride scheduler.

User programs are images of a small register machine that is interpreted by a
software hart, so fork, exec, page permissions and timer preemption all have
observable effects.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		if len(initApps) > 0 {
			cfg.Init = initApps
		}
		if err = cfg.Validate(); err != nil {
			return err
		}

		if logger, err = newLogger(cfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := kfmt.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run the initial programs until they exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runKernel(ctx, cmd.OutOrStdout())
	},
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the bundled user programs",
	RunE: func(cmd *cobra.Command, args []string) error {
		images, err := user.NewRegistry()
		if err != nil {
			return err
		}
		for _, name := range images.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func runKernel(ctx context.Context, console io.Writer) error {
	images, err := user.NewRegistry()
	if err != nil {
		return err
	}

	k, err := kmain.Boot(cfg, logger, images, console)
	if err != nil {
		return err
	}
	return kmain.Run(ctx, k, cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "strideos.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	runCmd.Flags().StringSliceVar(&initApps, "init", nil, "Programs to start as root tasks (overrides the config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(appsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
