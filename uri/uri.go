// Package uri implements SIP and SIPS URIs (RFC 3261 Section 19.1).
package uri

//go:generate go tool errtrace -w .

import (
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

const (
	// ErrInvalidURI is returned when the URI can not be parsed.
	ErrInvalidURI errorutil.Error = "invalid URI"
	// ErrUnsupportedScheme is returned for URI schemes other than sip and sips.
	ErrUnsupportedScheme errorutil.Error = "unsupported URI scheme"
)

// URI represents a SIP or SIPS URI.
type URI struct {
	// Scheme is either "sip" or "sips".
	Scheme   string
	User     string
	Password string
	// Host is a domain name or an IP address without brackets.
	Host string
	// Port is zero when the URI has no explicit port.
	Port    uint16
	Params  Params
	Headers Params
}

// Parse parses a SIP or SIPS URI.
func Parse(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, "missing scheme in %q", s))
	}
	scheme = strings.ToLower(scheme)
	if scheme != "sip" && scheme != "sips" {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedScheme, "%q", scheme))
	}

	u := &URI{Scheme: scheme}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.Headers = parseURIHeaders(rest[i+1:])
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		u.User, u.Password, _ = strings.Cut(rest[:i], ":")
		if u.User == "" {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, "empty user in %q", s))
		}
		rest = rest[i+1:]
	}

	hostport := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		hostport = rest[:i]
		u.Params = ParseParams(rest[i+1:], ';')
	}

	host, port, err := SplitHostPort(hostport)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidURI, err))
	}
	u.Host, u.Port = host, port
	return u, nil
}

// SplitHostPort splits "host[:port]" where host may be a bracketed IPv6 reference.
// A missing port is returned as zero.
func SplitHostPort(s string) (host string, port uint16, err error) {
	s = strings.TrimSpace(s)
	var portStr string
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("unterminated IPv6 reference %q", s))
		}
		host = s[1:end]
		if _, err := netip.ParseAddr(host); err != nil {
			return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
		}
		rest := s[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("unexpected %q after IPv6 reference", rest))
			}
			portStr = rest[1:]
		}
	} else {
		host = s
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			host, portStr = s[:i], s[i+1:]
		}
		if strings.ContainsAny(host, ":[] \t") {
			return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid host %q", host))
		}
	}
	if host == "" {
		return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty host in %q", s))
	}
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || p == 0 {
			return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid port %q", portStr))
		}
		port = uint16(p)
	}
	return host, port, nil
}

// JoinHostPort renders host and optional port, bracketing IPv6 addresses.
func JoinHostPort(host string, port uint16) string {
	var sb strings.Builder
	writeHostPort(&sb, host, port)
	return sb.String()
}

func writeHostPort(sb *strings.Builder, host string, port uint16) {
	if strings.IndexByte(host, ':') >= 0 {
		sb.WriteByte('[')
		sb.WriteString(host)
		sb.WriteByte(']')
	} else {
		sb.WriteString(host)
	}
	if port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(port)))
	}
}

func parseURIHeaders(s string) Params {
	var hs Params
	for item := range strings.SplitSeq(s, "&") {
		if item == "" {
			continue
		}
		name, val, _ := strings.Cut(item, "=")
		hs = append(hs, Param{Name: name, Value: val})
	}
	return hs
}

// String renders the URI.
func (u *URI) String() string {
	if u == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	writeHostPort(&sb, u.Host, u.Port)
	u.Params.Render(&sb, ';')
	for i, h := range u.Headers {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(h.Name)
		if h.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(h.Value)
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// Equal reports whether two URIs are equivalent.
// Scheme and host compare case-insensitively, parameters and headers ignore order.
func (u *URI) Equal(other *URI) bool {
	if u == nil || other == nil {
		return u == other
	}
	return strings.EqualFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		u.Password == other.Password &&
		strings.EqualFold(u.Host, other.Host) &&
		u.Port == other.Port &&
		u.Params.Equal(other.Params) &&
		u.Headers.Equal(other.Headers)
}

// Secure reports whether the URI has the sips scheme.
func (u *URI) Secure() bool { return u != nil && u.Scheme == "sips" }

// Transport returns the lower-cased transport parameter.
func (u *URI) Transport() string {
	v, _ := u.Params.Get("transport")
	return strings.ToLower(v)
}

// Addr returns the host as an IP address if it is a literal one.
func (u *URI) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(u.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LogValue implements [slog.LogValuer].
func (u *URI) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.StringValue(u.String())
}
