package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ghettovoice/sipengine/config"
	"github.com/ghettovoice/sipengine/internal/log"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "sipengine",
		Short: "SIP transaction engine",
		Long: `sipengine runs a SIP transaction and transport engine.

Configuration is read from a YAML file, every key can be overridden
with a SIPENGINE_ prefixed environment variable, e.g. SIPENGINE_LOG_LEVEL=debug.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")

	cmd.AddCommand(
		newServeCmd(&cfgPath),
		newPingCmd(&cfgPath),
		newConfigCmd(&cfgPath),
	)
	return cmd
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err //errtrace:skip
			}
			out, err := cfg.YAML()
			if err != nil {
				return err //errtrace:skip
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err //errtrace:skip
		},
	}
}

type closeFunc func() error

func (fn closeFunc) Close() error { return fn() }

// newLogger writes to a rotated file when configured and to stdout otherwise.
func newLogger(cfg config.Log, stdout io.Writer) (*slog.Logger, io.Closer) {
	if cfg.File == "" {
		return log.New(stdout, log.Format(cfg.Format), cfg.SlogLevel()), closeFunc(func() error { return nil })
	}

	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return log.New(w, log.Format(cfg.Format), cfg.SlogLevel()), w
}
