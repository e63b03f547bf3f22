package dns_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	mdns "github.com/miekg/dns"

	"github.com/ghettovoice/sipengine/dns"
)

func startServer(t *testing.T, records map[string][]mdns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}

	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
			res := new(mdns.Msg)
			res.SetReply(req)
			q := req.Question[0]
			for _, rr := range records[q.Name] {
				if rr.Header().Rrtype == q.Qtype {
					res.Answer = append(res.Answer, rr)
				}
			}
			if _, ok := records[q.Name]; !ok {
				res.Rcode = mdns.RcodeNameError
			}
			_ = w.WriteMsg(res)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("DNS server did not start")
	}
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) mdns.RR {
	t.Helper()

	rr, err := mdns.NewRR(s)
	if err != nil {
		t.Fatalf("mdns.NewRR(%q) error = %v, want nil", s, err)
	}
	return rr
}

func TestResolver_NameServer(t *testing.T) {
	t.Parallel()

	addr := startServer(t, map[string][]mdns.RR{
		"_sip._udp.example.com.": {
			mustRR(t, "_sip._udp.example.com. 60 IN SRV 20 10 5070 b.example.com."),
			mustRR(t, "_sip._udp.example.com. 60 IN SRV 10 5 5060 a.example.com."),
			mustRR(t, "_sip._udp.example.com. 60 IN SRV 10 50 5062 c.example.com."),
		},
		"a.example.com.": {
			mustRR(t, "a.example.com. 60 IN A 10.0.0.1"),
			mustRR(t, "a.example.com. 60 IN AAAA 2001:db8::1"),
		},
	})
	r := &dns.Resolver{NameServer: addr, Timeout: time.Second}
	ctx := context.Background()

	srvs, err := r.LookupSRV(ctx, "sip", "udp", "example.com")
	if err != nil {
		t.Fatalf("r.LookupSRV() error = %v, want nil", err)
	}
	want := []*dns.SRV{
		{Target: "c.example.com", Port: 5062, Priority: 10, Weight: 50},
		{Target: "a.example.com", Port: 5060, Priority: 10, Weight: 5},
		{Target: "b.example.com", Port: 5070, Priority: 20, Weight: 10},
	}
	if diff := cmp.Diff(srvs, want); diff != "" {
		t.Errorf("r.LookupSRV() mismatch (-got +want):\n%v", diff)
	}

	addrs, err := r.LookupNetIP(ctx, "ip", "a.example.com")
	if err != nil {
		t.Fatalf("r.LookupNetIP() error = %v, want nil", err)
	}
	wantAddrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("2001:db8::1")}
	if diff := cmp.Diff(addrs, wantAddrs, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("r.LookupNetIP() mismatch (-got +want):\n%v", diff)
	}

	_, err = r.LookupSRV(ctx, "sip", "tcp", "example.com")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("r.LookupSRV(missing) error = %v, want not found DNS error", err)
	}
}
