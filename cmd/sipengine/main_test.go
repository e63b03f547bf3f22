package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghettovoice/sipengine/config"
	"github.com/ghettovoice/sipengine/digest"
	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/log"
	"github.com/ghettovoice/sipengine/sip"
	"github.com/ghettovoice/sipengine/uri"
)

func newEngine(t *testing.T) *sip.Engine {
	t.Helper()

	eng := sip.NewEngine(&sip.EngineOptions{
		Listeners: []sip.ListenerSpec{
			{Proto: sip.TransportUDP, Address: "127.0.0.1", Port: -1},
			{Proto: sip.TransportTCP, Address: "127.0.0.1", Port: -1},
		},
		Timings: sip.TimingConfig{T1: 10 * time.Millisecond, Timer100: 20 * time.Millisecond},
	})
	require.NoError(t, eng.Start(t.Context()))
	t.Cleanup(func() { assert.NoError(t, eng.Close()) })
	return eng
}

func udpURI(t *testing.T, eng *sip.Engine) string {
	t.Helper()

	for _, l := range eng.Listeners() {
		if l.Proto == sip.TransportUDP {
			return fmt.Sprintf("sip:bob@%s;transport=udp", l.Addr)
		}
	}
	t.Fatal("engine has no UDP listener")
	return ""
}

func serveApp(t *testing.T, flags *serveFlags) *sip.Engine {
	t.Helper()

	eng := newEngine(t)
	a, err := newApp(eng, flags, log.Noop)
	require.NoError(t, err)
	eng.OnRequest(a.handle)
	return eng
}

func send(t *testing.T, eng *sip.Engine, req *sip.Request) *sip.Response {
	t.Helper()

	x, err := eng.SendRequest(t.Context(), req, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	res, err := x.Wait(ctx)
	require.NotNil(t, res, "x.Wait() error = %v", err)
	return res
}

func newMessage(t *testing.T, to string) *sip.Request {
	t.Helper()

	u, err := uri.Parse(to)
	require.NoError(t, err)
	from, err := header.ParseNameAddr("<sip:alice@example.com>")
	require.NoError(t, err)
	return sip.NewRequest("MESSAGE", u, from)
}

func TestApp_Options(t *testing.T) {
	t.Parallel()

	srv := serveApp(t, &serveFlags{})
	cli := newEngine(t)

	req := newMessage(t, udpURI(t, srv))
	req.Method = sip.MethodOptions
	req.Headers.Set(header.NameCSeq, &header.CSeq{Seq: 1, Method: sip.MethodOptions})

	res := send(t, cli, req)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, sip.MethodOptions, res.Headers.First("Allow").String())
}

func TestApp_NoTargets(t *testing.T) {
	t.Parallel()

	srv := serveApp(t, &serveFlags{})
	cli := newEngine(t)

	res := send(t, cli, newMessage(t, udpURI(t, srv)))
	assert.Equal(t, 501, res.Status)
}

func TestApp_AuthForward(t *testing.T) {
	t.Parallel()

	uas := newEngine(t)
	uas.OnRequest(func(req *sip.Request, _ sip.Target) {
		uas.Respond(context.Background(), sip.NewResponse(req, 200, "")) //nolint:errcheck
	})
	srv := serveApp(t, &serveFlags{
		forward:  []string{udpURI(t, uas)},
		realm:    "example.com",
		user:     "alice",
		password: "secret",
	})
	cli := newEngine(t)

	req := newMessage(t, udpURI(t, srv))
	res := send(t, cli, req)
	require.Equal(t, 407, res.Status)

	dc := digest.NewClient(digest.Credentials{User: "alice", Password: "secret"})
	require.NoError(t, dc.SignRequest(req, res))
	req.Headers.Set(header.NameCSeq, &header.CSeq{Seq: 2, Method: "MESSAGE"})

	res = send(t, cli, req)
	assert.Equal(t, 200, res.Status)
	assert.Len(t, res.Headers.Via(), 1)
}

func TestPingCmd(t *testing.T) {
	t.Parallel()

	srv := serveApp(t, &serveFlags{})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetArgs([]string{"ping", udpURI(t, srv), "-t", "3s"})
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)

		require.NoError(t, cmd.ExecuteContext(t.Context()))
		assert.Equal(t, "200 OK\n", out.String())
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetArgs([]string{"ping", "sip:127.0.0.1:1;transport=tcp", "-t", "3s"})
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)

		require.Error(t, cmd.ExecuteContext(t.Context()))
		assert.Equal(t, "503 Service Unavailable\n", out.String())
	})
}

func TestConfigCmd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sipengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sent_by: sip.example.com\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"config", "-c", path})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "sent_by: sip.example.com")
	assert.Contains(t, out.String(), "listeners:")
}

func TestNewLogger_File(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Log
	cfg.File = filepath.Join(t.TempDir(), "sipengine.log")
	cfg.Format = "json"

	logger, closer := newLogger(cfg, io.Discard)
	logger.Info("engine started")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"engine started"`)
}
