// Command orchbot runs the multi-channel orchestration agent.
//
// Start the agent:
//
//	orchbot serve --config orchbot.yaml
//
// Print the configuration schema:
//
//	orchbot config schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/orchbot/orchbot/internal/config"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "orchbot",
		Short:         "Headless multi-channel orchestration agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the configuration file")
	root.AddCommand(buildServeCmd(&configPath))
	root.AddCommand(buildConfigCmd(&configPath))
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("ORCHBOT_CONFIG"); p != "" {
		return p
	}
	return "orchbot.yaml"
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the configured channels and start routing messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging)
			return serve(cmd.Context(), cfg)
		},
	}
}

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: workspace=%s alias=%s channels=%v\n",
				cfg.Workspace, cfg.Alias, enabledChannels(cfg))
			return nil
		},
	})
	return cmd
}

func enabledChannels(cfg *config.Config) []string {
	var out []string
	if cfg.Channels.Slack.Enabled {
		out = append(out, "slack")
	}
	if cfg.Channels.Discord.Enabled {
		out = append(out, "discord")
	}
	if cfg.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	return out
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
