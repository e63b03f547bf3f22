package digest

import (
	"slices"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/sip"
)

// ServerOptions configure a [ServerContext].
type ServerOptions struct {
	// User and Password are the expected credentials.
	User     string
	Password string
	// HA1 is the pre-hashed credential, it takes precedence over Password.
	HA1 string
	// Algorithm is MD5 by default.
	Algorithm string
	// Qop lists offered qop values, empty means [QopAuth].
	// Use a single empty string to offer the legacy form without qop.
	Qop []string
	// Opaque is echoed back by clients when set.
	Opaque string
	// Proxy makes the context challenge with 407 headers.
	Proxy bool
}

// ServerContext is the server side state of one digest authentication session.
// It is safe for concurrent use.
type ServerContext struct {
	realm string
	opts  ServerOptions

	mu     sync.Mutex
	nonce  string
	nc     uint32
	cnonce string
	// last accepted credentials
	last *acceptedAuth
}

type acceptedAuth struct {
	ha1    string
	nonce  string
	nc     string
	cnonce string
	qop    string
	uri    string
}

// NewServerContext creates an authentication context for the realm with a fresh nonce.
// Options are optional and can be nil.
func NewServerContext(realm string, opts *ServerOptions) *ServerContext {
	c := &ServerContext{realm: realm, nonce: GenerateNonce()}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Algorithm == "" {
		c.opts.Algorithm = AlgorithmMD5
	}
	if len(c.opts.Qop) == 0 {
		c.opts.Qop = []string{QopAuth}
	}
	return c
}

// Realm returns the realm.
func (c *ServerContext) Realm() string { return c.realm }

// Nonce returns the current nonce.
func (c *ServerContext) Nonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

// Rotate replaces the nonce and resets the nonce count.
// The next [ServerContext.AuthenticationInfo] carries it as nextnonce.
func (c *ServerContext) Rotate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = GenerateNonce()
	c.nc = 0
	c.cnonce = ""
	return c.nonce
}

func (c *ServerContext) challengeName() string {
	if c.opts.Proxy {
		return header.NameProxyAuthenticate
	}
	return header.NameWWWAuthenticate
}

func (c *ServerContext) authorizationName() string {
	if c.opts.Proxy {
		return header.NameProxyAuthorization
	}
	return header.NameAuthorization
}

// ChallengeHeader builds the WWW-Authenticate or Proxy-Authenticate value.
func (c *ServerContext) ChallengeHeader() *header.Auth {
	c.mu.Lock()
	nonce := c.nonce
	c.mu.Unlock()

	auth := &header.Auth{Scheme: Scheme}
	auth.Set("realm", c.realm, true)
	auth.Set("nonce", nonce, true)
	if qop := strings.Join(slices.DeleteFunc(slices.Clone(c.opts.Qop), func(s string) bool { return s == "" }), ","); qop != "" {
		auth.Set("qop", qop, true)
	}
	auth.Set("algorithm", c.opts.Algorithm, false)
	if c.opts.Opaque != "" {
		auth.Set("opaque", c.opts.Opaque, true)
	}
	return auth
}

// Challenge appends the challenge to the response and returns it.
// The response status is expected to be 401 or 407.
func (c *ServerContext) Challenge(res *sip.Response) *sip.Response {
	res.Headers.Append(c.challengeName(), c.ChallengeHeader())
	return res
}

// Authenticate verifies credentials of the request for this realm.
// A nil error means the credentials are valid, the nonce count is advanced then.
func (c *ServerContext) Authenticate(req *sip.Request) error {
	for _, auth := range req.Headers.Auth(c.authorizationName()) {
		if strings.EqualFold(auth.Scheme, Scheme) && auth.Value("realm") == c.realm {
			return errtrace.Wrap(c.Verify(req.Method, req.Body, auth))
		}
	}
	return errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, "no credentials for realm %q", c.realm))
}

// Verify checks the credentials against the context state.
// Any mismatch is a rejection.
func (c *ServerContext) Verify(method string, body []byte, auth *header.Auth) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fail := func(reason string, args ...any) error {
		return errorutil.NewWrapperError(ErrAuthFailed, append([]any{reason}, args...)...) //errtrace:skip
	}

	if auth == nil || !strings.EqualFold(auth.Scheme, Scheme) {
		return errtrace.Wrap(fail("not digest credentials"))
	}
	if c.opts.User != "" && auth.Value("username") != c.opts.User {
		return errtrace.Wrap(fail("unknown user %q", auth.Value("username")))
	}
	if auth.Value("nonce") != c.nonce {
		return errtrace.Wrap(fail("stale nonce"))
	}
	if c.opts.Opaque != "" && auth.Value("opaque") != c.opts.Opaque {
		return errtrace.Wrap(fail("opaque mismatch"))
	}

	qop := strings.ToLower(auth.Value("qop"))
	if !slices.Contains(c.opts.Qop, qop) {
		return errtrace.Wrap(fail("qop %q not offered", qop))
	}
	ncStr, cnonce := auth.Value("nc"), auth.Value("cnonce")
	if qop != "" {
		nc, ok := ParseNC(ncStr)
		if !ok {
			return errtrace.Wrap(fail("invalid nc %q", ncStr))
		}
		if c.nc != 0 && nc != c.nc {
			return errtrace.Wrap(fail("nc %s, want %s", ncStr, FormatNC(c.nc)))
		}
		if c.cnonce != "" && cnonce != c.cnonce {
			return errtrace.Wrap(fail("cnonce mismatch"))
		}
	}
	alg := auth.Value("algorithm")
	if alg == "" {
		alg = AlgorithmMD5
	}
	if !strings.EqualFold(alg, c.opts.Algorithm) {
		return errtrace.Wrap(fail("algorithm %q not offered", alg))
	}

	ha1 := c.opts.HA1
	if ha1 == "" {
		ha1 = HA1(auth.Value("username"), c.realm, c.opts.Password)
	}
	if isSess(c.opts.Algorithm) {
		ha1 = SessionHA1(ha1, c.nonce, cnonce)
	}
	uri := auth.Value("uri")
	if Response(ha1, method, c.nonce, ncStr, cnonce, qop, uri, body) != auth.Value("response") {
		return errtrace.Wrap(fail("response mismatch"))
	}

	if qop != "" {
		nc, _ := ParseNC(ncStr)
		c.nc = nc + 1
		c.cnonce = cnonce
	}
	c.last = &acceptedAuth{ha1: ha1, nonce: c.nonce, nc: ncStr, cnonce: cnonce, qop: qop, uri: uri}
	return nil
}

// AuthenticationInfo builds the Authentication-Info value for the last accepted credentials.
// With mutual set it carries rspauth computed over the response body, which may be nil.
// It returns nil if no credentials were accepted yet.
func (c *ServerContext) AuthenticationInfo(body []byte, mutual bool) *header.Auth {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil {
		return nil
	}
	l := c.last
	auth := &header.Auth{}
	auth.Set("nextnonce", c.nonce, true)
	if l.qop != "" {
		auth.Set("qop", l.qop, false)
		auth.Set("nc", l.nc, false)
		auth.Set("cnonce", l.cnonce, true)
	}
	if mutual {
		auth.Set("rspauth", Response(l.ha1, "", l.nonce, l.nc, l.cnonce, l.qop, l.uri, body), true)
	}
	return auth
}

// AddAuthenticationInfo appends Authentication-Info or Proxy-Authentication-Info to the response.
func (c *ServerContext) AddAuthenticationInfo(res *sip.Response, mutual bool) *sip.Response {
	info := c.AuthenticationInfo(res.Body, mutual)
	if info == nil {
		return res
	}
	name := header.NameAuthenticationInfo
	if c.opts.Proxy {
		name = header.NameProxyAuthenticationInfo
	}
	res.Headers.Set(name, info)
	return res
}
