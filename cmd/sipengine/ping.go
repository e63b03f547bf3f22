package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipengine/config"
	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/sip"
	"github.com/ghettovoice/sipengine/uri"
)

func newPingCmd(cfgPath *string) *cobra.Command {
	var (
		timeout time.Duration
		from    string
	)

	cmd := &cobra.Command{
		Use:   "ping <uri>",
		Short: "Send OPTIONS and print the final response",
		Long: `Send an OPTIONS request from ephemeral local ports and print the final response.
The command fails unless the response is 2xx.

Examples:
  sipengine ping sip:pbx.example.com
  sipengine ping "sip:127.0.0.1:5060;transport=tcp" -t 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := uri.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse target: %w", err)
			}
			fromAddr, err := header.ParseNameAddr(from)
			if err != nil {
				return fmt.Errorf("parse from: %w", err)
			}
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err //errtrace:skip
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return ping(ctx, cfg, sip.NewRequest(sip.MethodOptions, target, fromAddr), cmd) //errtrace:skip
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "time to wait for the final response")
	cmd.Flags().StringVar(&from, "from", "<sip:sipengine@localhost>", "From header value")
	return cmd
}

func ping(ctx context.Context, cfg *config.Config, req *sip.Request, cmd *cobra.Command) error {
	logger, closer := newLogger(cfg.Log, cmd.ErrOrStderr())
	defer closer.Close()

	opts := cfg.EngineOptions()
	opts.Log = logger
	opts.Listeners = []sip.ListenerSpec{
		{Proto: sip.TransportUDP, Address: "0.0.0.0", Port: -1},
		{Proto: sip.TransportTCP, Address: "0.0.0.0", Port: -1},
	}
	eng := sip.NewEngine(opts)
	if err := eng.Start(ctx); err != nil {
		return err //errtrace:skip
	}
	defer eng.Close()

	x, err := eng.SendRequest(ctx, req, nil)
	if err != nil {
		return err //errtrace:skip
	}
	res, err := x.Wait(ctx)
	if res == nil {
		return fmt.Errorf("no response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", res.Status, res.Reason)
	if !res.IsSuccess() {
		return fmt.Errorf("%d %s", res.Status, res.Reason)
	}
	return nil
}
