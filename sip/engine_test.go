package sip_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/testutil/dnsmock"
	"github.com/ghettovoice/sipengine/sip"
)

var testTimings = sip.TimingConfig{
	T1:       10 * time.Millisecond,
	T2:       40 * time.Millisecond,
	T4:       50 * time.Millisecond,
	TimerD:   50 * time.Millisecond,
	Timer100: 20 * time.Millisecond,
}

func newTestEngine(t *testing.T, opts *sip.EngineOptions) *sip.Engine {
	t.Helper()

	if opts == nil {
		opts = &sip.EngineOptions{}
	}
	if len(opts.Listeners) == 0 {
		opts.Listeners = []sip.ListenerSpec{
			{Proto: sip.TransportUDP, Address: "127.0.0.1", Port: -1},
			{Proto: sip.TransportTCP, Address: "127.0.0.1", Port: -1},
		}
	}
	if opts.Timings == (sip.TimingConfig{}) {
		opts.Timings = testTimings
	}

	eng := sip.NewEngine(opts)
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("eng.Start() error = %v, want nil", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("eng.Close() error = %v, want nil", err)
		}
	})
	return eng
}

func listener(t *testing.T, eng *sip.Engine, proto sip.TransportProto) sip.Target {
	t.Helper()

	for _, l := range eng.Listeners() {
		if l.Proto == proto {
			return l
		}
	}
	t.Fatalf("engine has no %s listener", proto)
	return sip.Target{}
}

func newRequest(t *testing.T, method string, to sip.Target) *sip.Request {
	t.Helper()

	u := mustURI(t, fmt.Sprintf("sip:bob@%s;transport=%s", to.Addr, strings.ToLower(string(to.Proto))))
	req := &sip.Request{Method: method, URI: u}
	from, err := header.ParseNameAddr("Alice <sip:alice@example.com>;tag=" + sip.GenerateTag())
	if err != nil {
		t.Fatalf("header.ParseNameAddr() error = %v, want nil", err)
	}
	req.Headers.Set(header.NameFrom, from)
	req.Headers.Set(header.NameTo, &header.NameAddr{URI: mustURI(t, "sip:bob@example.com")})
	req.Headers.Set(header.NameCallID, header.Generic(sip.GenerateCallID("example.com")))
	req.Headers.Set(header.NameCSeq, &header.CSeq{Seq: 1, Method: method})
	return req
}

func pushVia(req *sip.Request, addr netip.AddrPort) {
	via := &header.Via{
		Proto:     "SIP",
		Version:   sip.Version,
		Transport: "UDP",
		Host:      addr.Addr().String(),
		Port:      addr.Port(),
	}
	via.Params.Set("branch", sip.GenerateBranch())
	req.Headers.PushVia(via)
}

// recorder collects responses passed to an exchange handler.
type recorder struct {
	mu    sync.Mutex
	codes []int
	ch    chan *sip.Response
}

func newRecorder() *recorder { return &recorder{ch: make(chan *sip.Response, 16)} }

func (r *recorder) handle(res *sip.Response, _ sip.Target) {
	r.mu.Lock()
	r.codes = append(r.codes, res.Status)
	r.mu.Unlock()
	r.ch <- res
}

func (r *recorder) statuses() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func (r *recorder) next(t *testing.T) *sip.Response {
	t.Helper()

	select {
	case res := <-r.ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no response in time")
		return nil
	}
}

func wait(t *testing.T, x *sip.Exchange) *sip.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	res, err := x.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("exchange did not complete in time")
	}
	if res == nil {
		t.Fatalf("x.Wait() = nil, %v, want final response", err)
	}
	return res
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition %q not met in time", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func respondWith(eng *sip.Engine, status int) sip.RequestHandler {
	return func(req *sip.Request, _ sip.Target) {
		if req.Method == sip.MethodAck {
			return
		}
		eng.Respond(context.Background(), sip.NewResponse(req, status, "")) //nolint:errcheck
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Parallel()

	eng := sip.NewEngine(&sip.EngineOptions{
		Listeners: []sip.ListenerSpec{{Proto: sip.TransportUDP, Address: "127.0.0.1", Port: -1}},
	})
	req := newRequest(t, sip.MethodOptions, target(sip.TransportUDP, "127.0.0.1:5060"))

	if _, err := eng.SendRequest(t.Context(), req, nil); !errors.Is(err, sip.ErrEngineClosed) {
		t.Errorf("eng.SendRequest() before start error = %v, want %v", err, sip.ErrEngineClosed)
	}
	if err := eng.Start(t.Context()); err != nil {
		t.Fatalf("eng.Start() error = %v, want nil", err)
	}
	if err := eng.Start(t.Context()); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("eng.Start() twice error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if got := eng.Listeners(); len(got) != 1 || got[0].Proto != sip.TransportUDP || got[0].Addr.Port() == 0 {
		t.Errorf("eng.Listeners() = %v, want one UDP listener on an ephemeral port", got)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("eng.Close() error = %v, want nil", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("eng.Close() twice error = %v, want nil", err)
	}
	if err := eng.Start(t.Context()); !errors.Is(err, sip.ErrEngineClosed) {
		t.Errorf("eng.Start() after close error = %v, want %v", err, sip.ErrEngineClosed)
	}
	if _, err := eng.SendRequest(t.Context(), req, nil); !errors.Is(err, sip.ErrEngineClosed) {
		t.Errorf("eng.SendRequest() after close error = %v, want %v", err, sip.ErrEngineClosed)
	}
	pushVia(req, netip.MustParseAddrPort("127.0.0.1:5060"))
	if err := eng.Respond(t.Context(), sip.NewResponse(req, 200, "")); !errors.Is(err, sip.ErrEngineClosed) {
		t.Errorf("eng.Respond() after close error = %v, want %v", err, sip.ErrEngineClosed)
	}
}

func TestEngine_StartFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port //nolint:forcetypeassert

	eng := sip.NewEngine(&sip.EngineOptions{
		Listeners: []sip.ListenerSpec{
			{Proto: sip.TransportTCP, Address: "127.0.0.1", Port: -1},
			{Proto: sip.TransportUDP, Address: "127.0.0.1", Port: port},
		},
	})
	if err := eng.Start(t.Context()); err == nil {
		t.Fatal("eng.Start() error = nil, want bind error")
	}
	if got := eng.Listeners(); len(got) != 0 {
		t.Errorf("eng.Listeners() = %v, want none after failed start", got)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("eng.Close() error = %v, want nil", err)
	}
}

func TestEngine_NonInvite(t *testing.T) {
	t.Parallel()

	for _, proto := range []sip.TransportProto{sip.TransportUDP, sip.TransportTCP} {
		t.Run(string(proto), func(t *testing.T) {
			t.Parallel()

			srv := newTestEngine(t, nil)
			cli := newTestEngine(t, nil)

			var got atomic.Pointer[sip.Request]
			srv.OnRequest(func(req *sip.Request, from sip.Target) {
				got.Store(req)
				if from.Proto != proto {
					t.Errorf("request source proto = %s, want %s", from.Proto, proto)
				}
				respondWith(srv, 200)(req, from)
			})

			rec := newRecorder()
			x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodOptions, listener(t, srv, proto)), rec.handle)
			if err != nil {
				t.Fatalf("cli.SendRequest() error = %v, want nil", err)
			}
			res := wait(t, x)

			if res.Status != 200 {
				t.Errorf("final status = %d, want 200", res.Status)
			}
			if res.Headers.To().Tag() == "" {
				t.Error("final response has no To tag")
			}
			if x.Err() != nil {
				t.Errorf("x.Err() = %v, want nil", x.Err())
			}
			if diff := cmp.Diff([]int{200}, rec.statuses()); diff != "" {
				t.Errorf("delivered responses mismatch (-want +got):\n%s", diff)
			}

			req := got.Load()
			via := req.Headers.TopVia()
			if !sip.IsRFC3261Branch(via.Branch()) {
				t.Errorf("top Via branch = %q, want RFC 3261 branch", via.Branch())
			}
			if via.Transport != string(proto) {
				t.Errorf("top Via transport = %q, want %q", via.Transport, proto)
			}
			if via.Received() != "127.0.0.1" {
				t.Errorf("top Via received = %q, want 127.0.0.1", via.Received())
			}
			if mf, _ := req.Headers.MaxForwards(); mf != sip.DefaultMaxForwards {
				t.Errorf("Max-Forwards = %d, want %d", mf, sip.DefaultMaxForwards)
			}

			eventually(t, "transactions counted", func() bool {
				st := cli.Stats().Transactions
				return st.NonInviteClientTransactionsTotal == 1
			})
		})
	}
}

func TestEngine_NoHandler(t *testing.T) {
	t.Parallel()

	srv := newTestEngine(t, nil)
	cli := newTestEngine(t, nil)

	x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodOptions, listener(t, srv, sip.TransportUDP)), nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	if res := wait(t, x); res.Status != 501 {
		t.Errorf("final status = %d, want 501", res.Status)
	}
}

func TestEngine_HandlerPanic(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 4)
	srv := newTestEngine(t, &sip.EngineOptions{OnError: func(err error) { errs <- err }})
	srv.OnRequest(func(*sip.Request, sip.Target) { panic("boom") })
	cli := newTestEngine(t, nil)

	x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodOptions, listener(t, srv, sip.TransportTCP)), nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	if res := wait(t, x); res.Status != 500 {
		t.Errorf("final status = %d, want 500", res.Status)
	}

	select {
	case err := <-errs:
		if diff := cmp.Diff(sip.ErrHandlerPanic, err, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("reported error mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Error("handler panic was not reported")
	}
}

func TestEngine_InviteAccepted(t *testing.T) {
	t.Parallel()

	srv := newTestEngine(t, nil)
	cli := newTestEngine(t, nil)

	acks := make(chan *sip.Request, 1)
	srv.OnRequest(func(req *sip.Request, from sip.Target) {
		if req.Method == sip.MethodAck {
			acks <- req
			return
		}
		srv.Respond(context.Background(), sip.NewResponse(req, 180, "")) //nolint:errcheck
		srv.Respond(context.Background(), sip.NewResponse(req, 200, "")) //nolint:errcheck
	})

	to := listener(t, srv, sip.TransportUDP)
	inv := newRequest(t, sip.MethodInvite, to)
	rec := newRecorder()
	x, err := cli.SendRequest(t.Context(), inv, rec.handle)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	res := wait(t, x)
	if res.Status != 200 {
		t.Fatalf("final status = %d, want 200", res.Status)
	}
	if diff := cmp.Diff([]int{180, 200}, rec.statuses()); diff != "" {
		t.Errorf("delivered responses mismatch (-want +got):\n%s", diff)
	}

	// ACK for 2xx is end-to-end and reaches the application.
	ack := newRequest(t, sip.MethodAck, to)
	ack.Headers.Set(header.NameCallID, inv.Headers.Get(header.NameCallID)...)
	ack.Headers.Set(header.NameFrom, inv.Headers.From())
	ack.Headers.Set(header.NameTo, res.Headers.To())
	if _, err := cli.SendRequest(t.Context(), ack, nil); err != nil {
		t.Fatalf("cli.SendRequest(ACK) error = %v, want nil", err)
	}
	select {
	case got := <-acks:
		if got.Headers.To().Tag() != res.Headers.To().Tag() {
			t.Errorf("ACK To tag = %q, want %q", got.Headers.To().Tag(), res.Headers.To().Tag())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ACK for 2xx was not delivered")
	}
}

func TestEngine_InviteRejected(t *testing.T) {
	t.Parallel()

	for _, proto := range []sip.TransportProto{sip.TransportUDP, sip.TransportTCP} {
		t.Run(string(proto), func(t *testing.T) {
			t.Parallel()

			var acksSeen, acksHandled atomic.Int32
			srv := newTestEngine(t, &sip.EngineOptions{
				OnRecv: func(msg sip.Message, _ sip.Target) {
					if req, ok := msg.(*sip.Request); ok && req.Method == sip.MethodAck {
						acksSeen.Add(1)
					}
				},
			})
			srv.OnRequest(func(req *sip.Request, from sip.Target) {
				if req.Method == sip.MethodAck {
					acksHandled.Add(1)
					return
				}
				respondWith(srv, 486)(req, from)
			})
			cli := newTestEngine(t, nil)

			x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodInvite, listener(t, srv, proto)), nil)
			if err != nil {
				t.Fatalf("cli.SendRequest() error = %v, want nil", err)
			}
			if res := wait(t, x); res.Status != 486 {
				t.Errorf("final status = %d, want 486", res.Status)
			}

			eventually(t, "ACK received", func() bool { return acksSeen.Load() > 0 })
			time.Sleep(50 * time.Millisecond)
			if n := acksHandled.Load(); n != 0 {
				t.Errorf("ACK for non-2xx reached the handler %d times, want 0", n)
			}
		})
	}
}

// collect reads messages from the socket for the given duration.
func collect(t *testing.T, conn net.PacketConn, d time.Duration) []sip.Message {
	t.Helper()

	var msgs []sip.Message
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(d)) //nolint:errcheck
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return msgs
		}
		if msg, err := sip.Parse(buf[:n]); err == nil {
			msgs = append(msgs, msg)
		}
	}
}

func countRequests(msgs []sip.Message, method string) int {
	var n int
	for _, msg := range msgs {
		if req, ok := msg.(*sip.Request); ok && req.Method == method {
			n++
		}
	}
	return n
}

func countResponses(msgs []sip.Message, status int) int {
	var n int
	for _, msg := range msgs {
		if res, ok := msg.(*sip.Response); ok && res.Status == status {
			n++
		}
	}
	return n
}

func TestEngine_InviteClientAckPerFinal(t *testing.T) {
	t.Parallel()

	uas, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer uas.Close()

	cli := newTestEngine(t, &sip.EngineOptions{
		Timings: sip.TimingConfig{T1: 10 * time.Millisecond, TimerD: time.Second},
	})
	to := sip.Target{Proto: sip.TransportUDP, Addr: uas.LocalAddr().(*net.UDPAddr).AddrPort()} //nolint:forcetypeassert
	x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodInvite, to), nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}

	buf := make([]byte, 4096)
	uas.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	n, src, err := uas.ReadFrom(buf)
	if err != nil {
		t.Fatalf("uas.ReadFrom() error = %v, want nil", err)
	}
	msg, err := sip.Parse(buf[:n])
	if err != nil {
		t.Fatalf("sip.Parse() error = %v, want nil", err)
	}
	inv, ok := msg.(*sip.Request)
	if !ok || inv.Method != sip.MethodInvite {
		t.Fatalf("uas received %v, want INVITE", msg)
	}

	res := sip.NewResponse(inv, 486, "")
	toHdr := res.Headers.To().CloneNameAddr()
	toHdr.Params.Set("tag", "uas-tag")
	res.Headers.Set(header.NameTo, toHdr)
	data := res.Render(nil)

	const copies = 3
	for range copies {
		if _, err := uas.WriteTo(data, src); err != nil {
			t.Fatalf("uas.WriteTo() error = %v, want nil", err)
		}
	}
	if got := wait(t, x); got.Status != 486 {
		t.Errorf("final status = %d, want 486", got.Status)
	}

	msgs := collect(t, uas, 300*time.Millisecond)
	if n := countRequests(msgs, sip.MethodAck); n != copies {
		t.Errorf("uas received %d ACK requests, want %d", n, copies)
	}
	for _, msg := range msgs {
		ack, ok := msg.(*sip.Request)
		if !ok || ack.Method != sip.MethodAck {
			continue
		}
		if ack.Headers.TopVia().Branch() != inv.Headers.TopVia().Branch() {
			t.Errorf("ACK branch = %q, want %q", ack.Headers.TopVia().Branch(), inv.Headers.TopVia().Branch())
		}
		if ack.Headers.To().Tag() != "uas-tag" {
			t.Errorf("ACK To tag = %q, want %q", ack.Headers.To().Tag(), "uas-tag")
		}
	}
}

func TestEngine_InviteServerCompleted(t *testing.T) {
	t.Parallel()

	var handled, acks atomic.Int32
	srv := newTestEngine(t, nil)
	srv.OnRequest(func(req *sip.Request, from sip.Target) {
		if req.Method == sip.MethodAck {
			acks.Add(1)
			return
		}
		handled.Add(1)
		respondWith(srv, 486)(req, from)
	})

	uac, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer uac.Close()
	laddr := uac.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
	raddr := net.UDPAddrFromAddrPort(listener(t, srv, sip.TransportUDP).Addr)

	inv := newRequest(t, sip.MethodInvite, listener(t, srv, sip.TransportUDP))
	pushVia(inv, laddr)
	if _, err := uac.WriteTo(inv.Render(nil), raddr); err != nil {
		t.Fatalf("uac.WriteTo() error = %v, want nil", err)
	}

	// without ACK the final response is retransmitted with timer G
	msgs := collect(t, uac, 200*time.Millisecond)
	if n := countResponses(msgs, 486); n < 3 {
		t.Fatalf("uac received %d copies of 486, want at least 3", n)
	}
	var final *sip.Response
	for _, msg := range msgs {
		if res, ok := msg.(*sip.Response); ok && res.Status == 486 {
			final = res
			break
		}
	}

	ack := inv.CloneRequest()
	ack.Method = sip.MethodAck
	ack.Headers.Set(header.NameTo, final.Headers.To())
	ack.Headers.Set(header.NameCSeq, &header.CSeq{Seq: 1, Method: sip.MethodAck})
	for range 3 {
		if _, err := uac.WriteTo(ack.Render(nil), raddr); err != nil {
			t.Fatalf("uac.WriteTo() error = %v, want nil", err)
		}
	}
	// the INVITE retransmission is absorbed in Confirmed too
	if _, err := uac.WriteTo(inv.Render(nil), raddr); err != nil {
		t.Fatalf("uac.WriteTo() error = %v, want nil", err)
	}

	// skip the copies already in flight
	collect(t, uac, 30*time.Millisecond)
	if n := countResponses(collect(t, uac, 200*time.Millisecond), 486); n != 0 {
		t.Errorf("uac received %d copies of 486 after ACK, want 0", n)
	}
	if n := handled.Load(); n != 1 {
		t.Errorf("INVITE handler called %d times, want 1", n)
	}
	if n := acks.Load(); n != 0 {
		t.Errorf("ACK for non-2xx reached the handler %d times, want 0", n)
	}
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("after provisional", func(t *testing.T) {
		t.Parallel()

		srv := newTestEngine(t, nil)
		srv.OnRequest(respondWith(srv, 180))
		cli := newTestEngine(t, nil)

		rec := newRecorder()
		x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodInvite, listener(t, srv, sip.TransportUDP)), rec.handle)
		if err != nil {
			t.Fatalf("cli.SendRequest() error = %v, want nil", err)
		}
		if res := rec.next(t); res.Status != 180 {
			t.Fatalf("first response = %d, want 180", res.Status)
		}
		x.Cancel()

		if res := wait(t, x); res.Status != 487 {
			t.Errorf("final status = %d, want 487", res.Status)
		}
	})

	t.Run("before provisional", func(t *testing.T) {
		t.Parallel()

		var cancels atomic.Int32
		srv := newTestEngine(t, &sip.EngineOptions{
			// the automatic 100 Trying comes late enough for CANCEL to be queued
			Timings: sip.TimingConfig{T1: 10 * time.Millisecond, Timer100: 200 * time.Millisecond},
			OnRecv: func(msg sip.Message, _ sip.Target) {
				if req, ok := msg.(*sip.Request); ok && req.Method == sip.MethodCancel {
					cancels.Add(1)
				}
			},
		})
		srv.OnRequest(func(*sip.Request, sip.Target) {})

		sent := make(chan struct{}, 8)
		cli := newTestEngine(t, &sip.EngineOptions{
			OnSend: func(msg sip.Message, _ sip.Target) {
				if req, ok := msg.(*sip.Request); ok && req.Method == sip.MethodInvite {
					sent <- struct{}{}
				}
			},
		})

		x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodInvite, listener(t, srv, sip.TransportTCP)), nil)
		if err != nil {
			t.Fatalf("cli.SendRequest() error = %v, want nil", err)
		}
		<-sent
		x.Cancel()

		if res := wait(t, x); res.Status != 487 {
			t.Errorf("final status = %d, want 487", res.Status)
		}
		if n := cancels.Load(); n != 1 {
			t.Errorf("server received %d CANCEL requests, want 1", n)
		}
	})

	t.Run("application canceller", func(t *testing.T) {
		t.Parallel()

		srv := newTestEngine(t, nil)
		cancelled := make(chan struct{})
		srv.OnRequest(func(req *sip.Request, _ sip.Target) {
			srv.Respond(context.Background(), sip.NewResponse(req, 183, "")) //nolint:errcheck
			srv.OnCancel(req, func() {
				close(cancelled)
				srv.Respond(context.Background(), sip.NewResponse(req, 487, "Cancelled By App")) //nolint:errcheck
			})
		})
		cli := newTestEngine(t, nil)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		rec := newRecorder()
		x, err := cli.SendRequest(ctx, newRequest(t, sip.MethodInvite, listener(t, srv, sip.TransportUDP)), rec.handle)
		if err != nil {
			t.Fatalf("cli.SendRequest() error = %v, want nil", err)
		}
		rec.next(t)
		cancel()

		res := wait(t, x)
		if res.Status != 487 || res.Reason != "Cancelled By App" {
			t.Errorf("final response = %d %q, want 487 %q", res.Status, res.Reason, "Cancelled By App")
		}
		select {
		case <-cancelled:
		default:
			t.Error("canceller did not run")
		}
	})

	t.Run("no matching transaction", func(t *testing.T) {
		t.Parallel()

		srv := newTestEngine(t, nil)
		cli := newTestEngine(t, nil)

		x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodCancel, listener(t, srv, sip.TransportUDP)), nil)
		if err != nil {
			t.Fatalf("cli.SendRequest() error = %v, want nil", err)
		}
		if res := wait(t, x); res.Status != 481 {
			t.Errorf("final status = %d, want 481", res.Status)
		}
	})
}

func TestEngine_Timeout(t *testing.T) {
	t.Parallel()

	for _, method := range []string{sip.MethodOptions, sip.MethodInvite} {
		t.Run(method, func(t *testing.T) {
			t.Parallel()

			silent, err := net.ListenPacket("udp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("net.ListenPacket() error = %v, want nil", err)
			}
			defer silent.Close()

			cli := newTestEngine(t, nil)
			to := sip.Target{Proto: sip.TransportUDP, Addr: silent.LocalAddr().(*net.UDPAddr).AddrPort()} //nolint:forcetypeassert
			start := time.Now()
			x, err := cli.SendRequest(t.Context(), newRequest(t, method, to), nil)
			if err != nil {
				t.Fatalf("cli.SendRequest() error = %v, want nil", err)
			}

			res := wait(t, x)
			if res.Status != 503 {
				t.Errorf("final status = %d, want 503", res.Status)
			}
			if diff := cmp.Diff(sip.ErrTransactionTimedOut, x.Err(), cmpopts.EquateErrors()); diff != "" {
				t.Errorf("x.Err() mismatch (-want +got):\n%s", diff)
			}
			if elapsed, want := time.Since(start), 64*testTimings.T1; elapsed < want {
				t.Errorf("request timed out after %v, want at least %v", elapsed, want)
			}

			// the request was retransmitted with timer A or E
			var n int
			buf := make([]byte, 4096)
			for {
				silent.SetReadDeadline(time.Now().Add(20 * time.Millisecond)) //nolint:errcheck
				if _, _, err := silent.ReadFrom(buf); err != nil {
					break
				}
				n++
			}
			if n < 3 {
				t.Errorf("request sent %d times, want at least 3", n)
			}
		})
	}
}

func TestEngine_PortUnreachable(t *testing.T) {
	t.Parallel()

	closed, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	to := sip.Target{Proto: sip.TransportUDP, Addr: closed.LocalAddr().(*net.UDPAddr).AddrPort()} //nolint:forcetypeassert
	closed.Close()

	// timer F would expire after 32s, the ICMP error must finish the request first
	cli := newTestEngine(t, &sip.EngineOptions{
		Timings: sip.TimingConfig{T1: 500 * time.Millisecond},
	})
	start := time.Now()
	x, err := cli.SendRequest(t.Context(), newRequest(t, sip.MethodOptions, to), nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}

	res := wait(t, x)
	if res.Status != 503 {
		t.Errorf("final status = %d, want 503", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("request finished after %v, want a fast transport error", elapsed)
	}
	if errors.Is(x.Err(), sip.ErrTransactionTimedOut) {
		t.Errorf("x.Err() = %v, want transport error", x.Err())
	}
}

func TestEngine_RetransmissionAbsorbed(t *testing.T) {
	t.Parallel()

	srv := newTestEngine(t, nil)
	var handled atomic.Int32
	srv.OnRequest(func(req *sip.Request, from sip.Target) {
		handled.Add(1)
		respondWith(srv, 200)(req, from)
	})

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer conn.Close()
	laddr := conn.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
	raddr := net.UDPAddrFromAddrPort(listener(t, srv, sip.TransportUDP).Addr)

	req := newRequest(t, sip.MethodOptions, listener(t, srv, sip.TransportUDP))
	pushVia(req, laddr)
	data := req.Render(nil)

	buf := make([]byte, 4096)
	for i := range 4 {
		if _, err := conn.WriteTo(data, raddr); err != nil {
			t.Fatalf("conn.WriteTo() error = %v, want nil", err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("conn.ReadFrom() #%d error = %v, want nil", i+1, err)
		}
		msg, err := sip.Parse(buf[:n])
		if err != nil {
			t.Fatalf("sip.Parse() #%d error = %v, want nil", i+1, err)
		}
		if res, ok := msg.(*sip.Response); !ok || res.Status != 200 {
			t.Fatalf("response #%d = %v, want 200", i+1, msg)
		}
	}

	if n := handled.Load(); n != 1 {
		t.Errorf("handler called %d times, want 1", n)
	}
}

func TestEngine_NextTargetOnTransportError(t *testing.T) {
	t.Parallel()

	srv := newTestEngine(t, nil)
	srv.OnRequest(respondWith(srv, 200))
	to := listener(t, srv, sip.TransportTCP)

	ctrl := gomock.NewController(t)
	dnsr := dnsmock.NewMockDNSResolver(ctrl)
	dnsr.EXPECT().LookupNetIP(gomock.Any(), "ip", "pbx.example.com").
		Return([]netip.Addr{netip.MustParseAddr("127.0.0.2"), to.Addr.Addr()}, nil)

	cli := newTestEngine(t, &sip.EngineOptions{
		DNSResolver: dnsr,
		Protocols:   []sip.TransportProto{sip.TransportTCP},
	})

	req := newRequest(t, sip.MethodOptions, to)
	req.URI = mustURI(t, fmt.Sprintf("sip:bob@pbx.example.com:%d", to.Addr.Port()))
	x, err := cli.SendRequest(t.Context(), req, nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	if res := wait(t, x); res.Status != 200 {
		t.Errorf("final status = %d, want 200 (err = %v)", res.Status, x.Err())
	}
}

func TestEngine_NoNextTargetAfterTimeout(t *testing.T) {
	t.Parallel()

	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	defer silent.Close()
	port := silent.LocalAddr().(*net.UDPAddr).Port //nolint:forcetypeassert

	ctrl := gomock.NewController(t)
	dnsr := dnsmock.NewMockDNSResolver(ctrl)
	dnsr.EXPECT().LookupNetIP(gomock.Any(), "ip", "pbx.example.com").
		Return([]netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("127.0.0.2")}, nil)

	var (
		mu      sync.Mutex
		targets []sip.Target
	)
	cli := newTestEngine(t, &sip.EngineOptions{
		DNSResolver: dnsr,
		Protocols:   []sip.TransportProto{sip.TransportUDP},
		OnSend: func(_ sip.Message, to sip.Target) {
			mu.Lock()
			targets = append(targets, to)
			mu.Unlock()
		},
	})

	req := newRequest(t, sip.MethodOptions, target(sip.TransportUDP, "127.0.0.1:5060"))
	req.URI = mustURI(t, fmt.Sprintf("sip:bob@pbx.example.com:%d", port))
	x, err := cli.SendRequest(t.Context(), req, nil)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	if res := wait(t, x); res.Status != 503 {
		t.Errorf("final status = %d, want 503", res.Status)
	}
	if diff := cmp.Diff(sip.ErrTransactionTimedOut, x.Err(), cmpopts.EquateErrors()); diff != "" {
		t.Errorf("x.Err() mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, to := range targets {
		if to.Addr.Addr() != netip.MustParseAddr("127.0.0.1") {
			t.Errorf("request sent to %v after the first target timed out", to)
		}
	}
}

func TestEngine_Unresolvable(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	dnsr := dnsmock.NewMockDNSResolver(ctrl)
	dnsr.EXPECT().LookupNetIP(gomock.Any(), "ip", "nowhere.example.com").
		Return(nil, &net.DNSError{Err: "no such host", IsNotFound: true})

	cli := newTestEngine(t, &sip.EngineOptions{DNSResolver: dnsr})
	req := newRequest(t, sip.MethodOptions, target(sip.TransportUDP, "127.0.0.1:5060"))
	req.URI = mustURI(t, "sip:bob@nowhere.example.com:5060")

	rec := newRecorder()
	x, err := cli.SendRequest(t.Context(), req, rec.handle)
	if err != nil {
		t.Fatalf("cli.SendRequest() error = %v, want nil", err)
	}
	if res := wait(t, x); res.Status != 404 {
		t.Errorf("final status = %d, want 404", res.Status)
	}
	if diff := cmp.Diff(sip.ErrNoTarget, x.Err(), cmpopts.EquateErrors()); diff != "" {
		t.Errorf("x.Err() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{404}, rec.statuses()); diff != "" {
		t.Errorf("delivered responses mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_StrayResponse(t *testing.T) {
	t.Parallel()

	got := make(chan *sip.Response, 1)
	cli := newTestEngine(t, nil)
	cli.OnResponse(func(res *sip.Response, _ sip.Target) { got <- res })

	srv := newTestEngine(t, nil)
	to := listener(t, cli, sip.TransportUDP)
	req := newRequest(t, sip.MethodOptions, to)
	pushVia(req, to.Addr)

	if err := srv.Respond(t.Context(), sip.NewResponse(req, 200, "")); err != nil {
		t.Fatalf("srv.Respond() error = %v, want nil", err)
	}
	select {
	case res := <-got:
		if res.Status != 200 || res.Headers.To().Tag() == "" {
			t.Errorf("stray response = %d with To tag %q, want 200 with a tag", res.Status, res.Headers.To().Tag())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stray response was not delivered")
	}
}
