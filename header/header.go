// Package header implements SIP header values and an ordered header container.
package header

//go:generate go tool errtrace -w .

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/uri"
)

// ErrMalformedHeader is returned when a header value can not be parsed.
const ErrMalformedHeader errorutil.Error = "malformed header"

// Value is a single header value.
type Value interface {
	// String renders the value as it appears on the wire after the colon.
	String() string
	// Clone returns a deep copy of the value.
	Clone() Value
}

// Generic is an unstructured header value kept verbatim.
type Generic string

func (g Generic) String() string { return string(g) }

func (g Generic) Clone() Value { return g }

// NameAddr is an address header value used by To, From, Contact, Route and Record-Route.
type NameAddr struct {
	DisplayName string
	URI         *uri.URI
	Params      uri.Params
	// Wildcard marks the "Contact: *" form.
	Wildcard bool
}

// ParseNameAddr parses "display <uri>;params", "<uri>;params" or a bare "uri;params".
func ParseNameAddr(s string) (*NameAddr, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return &NameAddr{Wildcard: true}, nil
	}

	na := new(NameAddr)
	var rawURI, rest string
	if lt := indexUnquoted(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "unterminated address in %q", s))
		}
		na.DisplayName = Unquote(s[:lt])
		rawURI = s[lt+1 : lt+gt]
		rest = s[lt+gt+1:]
	} else {
		rawURI = s
		if i := strings.IndexByte(s, ';'); i >= 0 {
			rawURI, rest = s[:i], s[i:]
		}
	}

	u, err := uri.Parse(rawURI)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, err))
	}
	na.URI = u

	rest = strings.TrimSpace(rest)
	if rest != "" {
		if rest[0] != ';' {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "unexpected %q in %q", rest, s))
		}
		na.Params = uri.ParseParams(rest[1:], ';')
	}
	return na, nil
}

func (na *NameAddr) String() string {
	if na == nil {
		return ""
	}
	if na.Wildcard {
		return "*"
	}

	var sb strings.Builder
	if na.DisplayName != "" {
		sb.WriteString(Quote(na.DisplayName))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	na.Params.Render(&sb, ';')
	return sb.String()
}

func (na *NameAddr) Clone() Value { return na.CloneNameAddr() }

// CloneNameAddr returns a typed deep copy.
func (na *NameAddr) CloneNameAddr() *NameAddr {
	if na == nil {
		return nil
	}
	na2 := *na
	na2.URI = na.URI.Clone()
	na2.Params = na.Params.Clone()
	return &na2
}

// Tag returns the "tag" parameter.
func (na *NameAddr) Tag() string {
	if na == nil {
		return ""
	}
	v, _ := na.Params.Get("tag")
	return v
}

// Via is a single Via hop.
type Via struct {
	Proto     string
	Version   string
	Transport string
	Host      string
	// Port is zero when sent-by has no port.
	Port   uint16
	Params uri.Params
}

// ParseVia parses a single Via hop, e.g. "SIP/2.0/UDP host:5060;branch=z9hG4bK1".
func ParseVia(s string) (*Via, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid Via %q", s))
	}
	via := &Via{
		Proto:   strings.TrimSpace(parts[0]),
		Version: strings.TrimSpace(parts[1]),
	}

	rest := strings.TrimSpace(parts[2])
	i := strings.IndexAny(rest, " \t")
	if i < 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "missing sent-by in Via %q", s))
	}
	via.Transport = strings.ToUpper(rest[:i])
	rest = strings.TrimSpace(rest[i:])

	sentBy := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		sentBy = rest[:i]
		via.Params = uri.ParseParams(rest[i+1:], ';')
	}
	host, port, err := uri.SplitHostPort(sentBy)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, err))
	}
	via.Host, via.Port = host, port
	if via.Proto == "" || via.Version == "" || via.Transport == "" {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid Via %q", s))
	}
	return via, nil
}

func (v *Via) String() string {
	if v == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(v.Proto)
	sb.WriteByte('/')
	sb.WriteString(v.Version)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(uri.JoinHostPort(v.Host, v.Port))
	v.Params.Render(&sb, ';')
	return sb.String()
}

func (v *Via) Clone() Value { return v.CloneVia() }

// CloneVia returns a typed deep copy.
func (v *Via) CloneVia() *Via {
	if v == nil {
		return nil
	}
	v2 := *v
	v2.Params = v.Params.Clone()
	return &v2
}

// Branch returns the "branch" parameter.
func (v *Via) Branch() string {
	if v == nil {
		return ""
	}
	b, _ := v.Params.Get("branch")
	return b
}

// Received returns the "received" parameter.
func (v *Via) Received() string {
	r, _ := v.Params.Get("received")
	return r
}

// RPort returns the "rport" parameter value.
// The boolean is true when the parameter is present, even without a value.
func (v *Via) RPort() (uint16, bool) {
	s, ok := v.Params.Get("rport")
	if !ok {
		return 0, false
	}
	p, _ := strconv.ParseUint(s, 10, 16)
	return uint16(p), true
}

// CSeq is the CSeq header value.
type CSeq struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses "<number> <method>".
func ParseCSeq(s string) (*CSeq, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid CSeq %q", s))
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid CSeq number %q", fields[0]))
	}
	return &CSeq{Seq: uint32(seq), Method: fields[1]}, nil
}

func (c *CSeq) String() string {
	if c == nil {
		return ""
	}
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method
}

func (c *CSeq) Clone() Value {
	if c == nil {
		return (*CSeq)(nil)
	}
	c2 := *c
	return &c2
}
