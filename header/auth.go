package header

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

// AuthParam is a single auth-param of an authentication header.
type AuthParam struct {
	Name   string
	Value  string
	Quoted bool
}

// Auth is a value of WWW-Authenticate, Proxy-Authenticate, Authorization, Proxy-Authorization,
// Authentication-Info and Proxy-Authentication-Info headers.
// Scheme is empty for the Authentication-Info family.
type Auth struct {
	Scheme string
	Params []AuthParam
}

// ParseAuth parses `Digest realm="x", nonce="y"` or a scheme-less parameter list.
func ParseAuth(s string) (*Auth, error) {
	s = strings.TrimSpace(s)
	auth := new(Auth)

	if i := strings.IndexAny(s, " \t"); i > 0 && !strings.ContainsRune(s[:i], '=') {
		auth.Scheme = s[:i]
		s = strings.TrimSpace(s[i:])
	} else if i < 0 && !strings.ContainsRune(s, '=') {
		auth.Scheme = s
		return auth, nil
	}

	for _, item := range splitList(s) {
		name, val, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid auth-param %q", item))
		}
		val = strings.TrimSpace(val)
		quoted := len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"'
		auth.Params = append(auth.Params, AuthParam{
			Name:   strings.ToLower(name),
			Value:  Unquote(val),
			Quoted: quoted,
		})
	}
	return auth, nil
}

// Get returns the parameter value.
func (a *Auth) Get(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	for _, p := range a.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Value returns the parameter value or an empty string.
func (a *Auth) Value(name string) string {
	v, _ := a.Get(name)
	return v
}

// Set replaces or appends the parameter.
func (a *Auth) Set(name, value string, quoted bool) {
	for i := range a.Params {
		if strings.EqualFold(a.Params[i].Name, name) {
			a.Params[i].Value = value
			a.Params[i].Quoted = quoted
			return
		}
	}
	a.Params = append(a.Params, AuthParam{strings.ToLower(name), value, quoted})
}

func (a *Auth) String() string {
	if a == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(a.Scheme)
	for i, p := range a.Params {
		switch {
		case i > 0:
			sb.WriteString(", ")
		case a.Scheme != "":
			sb.WriteByte(' ')
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		if p.Quoted {
			sb.WriteString(Quote(p.Value))
		} else {
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

func (a *Auth) Clone() Value { return a.CloneAuth() }

// CloneAuth returns a typed deep copy.
func (a *Auth) CloneAuth() *Auth {
	if a == nil {
		return nil
	}
	return &Auth{Scheme: a.Scheme, Params: append([]AuthParam(nil), a.Params...)}
}
