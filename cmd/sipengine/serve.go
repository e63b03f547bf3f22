package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipengine/config"
	"github.com/ghettovoice/sipengine/digest"
	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/log"
	"github.com/ghettovoice/sipengine/proxy"
	"github.com/ghettovoice/sipengine/sip"
	"github.com/ghettovoice/sipengine/uri"
)

type serveFlags struct {
	forward  []string
	realm    string
	user     string
	password string
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Run the engine until interrupted.

OPTIONS requests are answered with 200. Other requests are forwarded
to the --forward targets, or rejected with 501 when none are given.
With --password every request except OPTIONS, ACK and CANCEL must
carry digest credentials.

Examples:
  sipengine serve -c sipengine.yaml
  sipengine serve --forward sip:pbx.example.com --realm example.com --password secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err //errtrace:skip
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, &flags, cmd) //errtrace:skip
		},
	}
	cmd.Flags().StringSliceVar(&flags.forward, "forward", nil, "forward requests to these URIs")
	cmd.Flags().StringVar(&flags.realm, "realm", "sipengine", "digest authentication realm")
	cmd.Flags().StringVar(&flags.user, "user", "", "expected digest user, any user when empty")
	cmd.Flags().StringVar(&flags.password, "password", "", "digest password, enables authentication")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, flags *serveFlags, cmd *cobra.Command) error {
	logger, closer := newLogger(cfg.Log, cmd.OutOrStdout())
	defer closer.Close()
	log.SetDefault(logger)

	opts := cfg.EngineOptions()
	opts.Log = logger
	opts.OnError = func(err error) {
		logger.LogAttrs(context.Background(), slog.LevelWarn, "engine error", slog.Any("error", err))
	}
	eng := sip.NewEngine(opts)

	a, err := newApp(eng, flags, logger)
	if err != nil {
		return err //errtrace:skip
	}
	eng.OnRequest(a.handle)

	if err := eng.Start(ctx); err != nil {
		return err //errtrace:skip
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "engine started", slog.Any("listeners", eng.Listeners()))

	<-ctx.Done()

	logger.LogAttrs(context.Background(), slog.LevelInfo, "engine stopping", slog.Any("stats", eng.Stats()))
	return eng.Close() //errtrace:skip
}

// app is the request handler of the serve command.
type app struct {
	eng     *sip.Engine
	proxy   *proxy.Proxy
	targets []*uri.URI
	auth    *authenticator
	log     *slog.Logger
}

func newApp(eng *sip.Engine, flags *serveFlags, logger *slog.Logger) (*app, error) {
	a := &app{eng: eng, log: logger}
	for _, s := range flags.forward {
		u, err := uri.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse forward target %q: %w", s, err)
		}
		a.targets = append(a.targets, u)
	}
	if len(a.targets) > 0 {
		a.proxy = proxy.New(eng, &proxy.Options{Log: logger})
	}
	if flags.password != "" {
		a.auth = newAuthenticator(flags.realm, &digest.ServerOptions{
			User:     flags.user,
			Password: flags.password,
			Proxy:    len(a.targets) > 0,
		})
	}
	return a, nil
}

func (a *app) allow() string {
	if len(a.targets) == 0 {
		return sip.MethodOptions
	}
	return "INVITE, ACK, CANCEL, OPTIONS, BYE, REGISTER, MESSAGE"
}

func (a *app) respond(res *sip.Response) {
	if err := a.eng.Respond(context.Background(), res); err != nil {
		a.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to respond", slog.Any("response", res), slog.Any("error", err))
	}
}

func (a *app) handle(req *sip.Request, _ sip.Target) {
	switch req.Method {
	case sip.MethodOptions:
		res := sip.NewResponse(req, 200, "")
		res.Headers.Set("Allow", header.Generic(a.allow()))
		a.respond(res)
		return
	case sip.MethodAck:
		if a.proxy != nil {
			a.forward(req)
		}
		return
	}

	if a.auth != nil {
		if res := a.auth.check(req); res != nil {
			a.respond(res)
			return
		}
	}
	if a.proxy == nil {
		a.respond(sip.NewResponse(req, 501, ""))
		return
	}
	a.forward(req)
}

func (a *app) forward(req *sip.Request) {
	if err := a.proxy.Forward(context.Background(), req, a.targets...); err != nil {
		a.log.LogAttrs(context.Background(), slog.LevelDebug, "forward failed", slog.Any("request", req), slog.Any("error", err))
	}
}

const authIdleTTL = 5 * time.Minute

// authenticator keeps one digest context per Call-ID.
type authenticator struct {
	realm string
	opts  *digest.ServerOptions

	mu   sync.Mutex
	ctxs map[string]*authEntry
}

type authEntry struct {
	ctx  *digest.ServerContext
	used time.Time
}

func newAuthenticator(realm string, opts *digest.ServerOptions) *authenticator {
	return &authenticator{realm: realm, opts: opts, ctxs: make(map[string]*authEntry)}
}

// check returns nil when the request is authenticated and a challenge response otherwise.
func (au *authenticator) check(req *sip.Request) *sip.Response {
	au.mu.Lock()
	defer au.mu.Unlock()

	now := time.Now()
	callID := req.Headers.CallID()
	ent, ok := au.ctxs[callID]
	if !ok {
		au.ctxs = lo.OmitBy(au.ctxs, func(_ string, e *authEntry) bool { return now.Sub(e.used) > authIdleTTL })
		ent = &authEntry{ctx: digest.NewServerContext(au.realm, au.opts)}
		au.ctxs[callID] = ent
	}
	ent.used = now

	if err := ent.ctx.Authenticate(req); err == nil {
		return nil
	}
	status := 401
	if au.opts.Proxy {
		status = 407
	}
	return ent.ctx.Challenge(sip.NewResponse(req, status, ""))
}
