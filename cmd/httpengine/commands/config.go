package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/errors"
)

// NewConfigCommand builds the configuration inspection command.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the engine configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return errors.ConfigError("Failed to load configuration", err)
			}
			printConfig(cmd, cfg)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig()); err != nil {
				return errors.ConfigError("Failed to save configuration", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.GetConfigPath())
			return nil
		},
	})
	return cmd
}

func printConfig(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	c := colors

	section := func(name string) { fmt.Fprintf(out, "%s[%s]%s\n", c.Bold, name, c.Reset) }
	entry := func(key string, value any) { fmt.Fprintf(out, "  %-24s %v\n", key, value) }

	fmt.Fprintf(out, "%sconfig:%s %s\n\n", c.Dim, c.Reset, config.GetConfigPath())

	section("client")
	entry("task_threads", cfg.Client.TaskThreads)

	section("server")
	keepalive := "disabled"
	if cfg.Server.Keepalive > 0 {
		keepalive = cfg.Server.Keepalive.String()
	}
	entry("keepalive", keepalive)
	entry("validate_certificates", cfg.Server.ValidateCertificates)
	entry("validation_depth", cfg.Server.ValidationDepth)
	if cfg.Server.CAFile != "" {
		entry("cafile", cfg.Server.CAFile)
	}
	if cfg.Server.CAPath != "" {
		entry("capath", cfg.Server.CAPath)
	}
	for _, e := range cfg.Server.ValidationExceptions {
		entry("validation_exception", e)
	}
	entry("logging", cfg.Server.Logging)
	if cfg.Server.Logging {
		entry("logfile", cfg.Server.LogFile)
		entry("logroll", cfg.Server.LogRoll)
		entry("logrollhour", cfg.Server.LogRollHour)
		entry("logmaxbackup", cfg.Server.LogMaxBackup)
	}

	section("h3")
	entry("recvbufsize", formatBytes(int64(cfg.H3.RecvBufSize)))
	entry("idletimeout", cfg.H3.IdleTimeout.Round(time.Millisecond))
	entry("draintimeout", cfg.H3.DrainTimeout.Round(time.Millisecond))
	entry("maxupload", formatBytes(cfg.H3.MaxUpload))
	entry("uploadpath", cfg.H3.UploadPath)
}
