package uri_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipengine/uri"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    *uri.URI
		wantErr error
	}{
		{
			name: "host only",
			in:   "sip:example.com",
			want: &uri.URI{Scheme: "sip", Host: "example.com"},
		},
		{
			name: "full",
			in:   "SIPS:alice:secret@Example.com:5061;transport=TCP;lr?subject=project&priority=urgent",
			want: &uri.URI{
				Scheme:   "sips",
				User:     "alice",
				Password: "secret",
				Host:     "Example.com",
				Port:     5061,
				Params:   uri.Params{{"transport", "TCP"}, {"lr", ""}},
				Headers:  uri.Params{{"subject", "project"}, {"priority", "urgent"}},
			},
		},
		{
			name: "ipv6",
			in:   "sip:bob@[2001:db8::1]:5070;maddr=10.0.0.1",
			want: &uri.URI{
				Scheme: "sip",
				User:   "bob",
				Host:   "2001:db8::1",
				Port:   5070,
				Params: uri.Params{{"maddr", "10.0.0.1"}},
			},
		},
		{name: "tel scheme", in: "tel:+123456", wantErr: uri.ErrUnsupportedScheme},
		{name: "no scheme", in: "example.com", wantErr: uri.ErrInvalidURI},
		{name: "empty host", in: "sip:alice@", wantErr: uri.ErrInvalidURI},
		{name: "bad port", in: "sip:example.com:99999", wantErr: uri.ErrInvalidURI},
		{name: "bad ipv6", in: "sip:[::1", wantErr: uri.ErrInvalidURI},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := uri.Parse(c.in)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Fatalf("uri.Parse(%q) error = %v, want %v\ndiff (-got +want):\n%v", c.in, err, c.wantErr, diff)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("uri.Parse(%q) = %+v, want %+v\ndiff (-got +want):\n%v", c.in, got, c.want, diff)
			}
		})
	}
}

func TestURI_String(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"sip:example.com", "sip:example.com"},
		{"sip:alice@example.com:5060;transport=udp", "sip:alice@example.com:5060;transport=udp"},
		{"sips:alice:pw@[::1]:5061;lr?h=v&x=y", "sips:alice:pw@[::1]:5061;lr?h=v&x=y"},
		{"sip:a@b?x", "sip:a@b?x"},
		{"sip:a@b?x&h=v", "sip:a@b?x&h=v"},
		{"SIP:Bob@Host;Maddr=1.2.3.4", "sip:Bob@Host;maddr=1.2.3.4"},
	}
	for _, c := range cases {
		u, err := uri.Parse(c.in)
		if err != nil {
			t.Fatalf("uri.Parse(%q) error = %v, want nil", c.in, err)
		}
		if got := u.String(); got != c.want {
			t.Errorf("uri.Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
		u2, err := uri.Parse(u.String())
		if err != nil {
			t.Fatalf("uri.Parse(%q) error = %v, want nil", u.String(), err)
		}
		if !u.Equal(u2) {
			t.Errorf("round trip of %q = %v, want equal URI", c.in, u2)
		}
	}
}

func TestURI_Equal(t *testing.T) {
	t.Parallel()

	a, _ := uri.Parse("sip:alice@EXAMPLE.com;transport=tcp;lr")
	b, _ := uri.Parse("sip:alice@example.com;lr;transport=tcp")
	c, _ := uri.Parse("sip:alice@example.com;lr")
	if !a.Equal(b) {
		t.Errorf("%v.Equal(%v) = false, want true", a, b)
	}
	if a.Equal(c) {
		t.Errorf("%v.Equal(%v) = true, want false", a, c)
	}

	d := a.Clone()
	d.Params.Set("transport", "udp")
	if got, _ := a.Params.Get("transport"); got != "tcp" {
		t.Errorf("clone mutation leaked into original: transport = %q", got)
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	ps := uri.ParseParams("Branch=z9hG4bK1; rport ;received=1.2.3.4", ';')
	want := uri.Params{{"branch", "z9hG4bK1"}, {"rport", ""}, {"received", "1.2.3.4"}}
	if diff := cmp.Diff(ps, want); diff != "" {
		t.Fatalf("uri.ParseParams() mismatch (-got +want):\n%s", diff)
	}

	if v, ok := ps.Get("RPORT"); !ok || v != "" {
		t.Errorf("ps.Get(RPORT) = %q, %v, want \"\", true", v, ok)
	}
	ps.Set("rport", "5060")
	ps.Del("received")
	ps.Set("ttl", "1")
	if got, want := ps.String(), ";branch=z9hG4bK1;rport=5060;ttl=1"; got != want {
		t.Errorf("ps.String() = %q, want %q", got, want)
	}
}
