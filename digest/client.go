package digest

import (
	"strings"
	"sync"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/sip"
)

// Credentials identify the client.
type Credentials struct {
	User     string
	Password string
	// HA1 is the pre-hashed credential, it takes precedence over Password.
	HA1 string
}

// Client signs requests with digest credentials.
// It keeps one session per challenged realm and is safe for concurrent use.
type Client struct {
	creds Credentials

	mu       sync.Mutex
	sessions []*clientSession
}

type clientSession struct {
	proxy     bool
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
	nc        uint32
	cnonce    string
	ha1       string
	// request signed last, used for rspauth verification
	uri string
}

// NewClient creates a new digest client.
func NewClient(creds Credentials) *Client {
	return &Client{creds: creds}
}

// Challenged reports whether the client has a session for the realm.
func (c *Client) Challenged(realm string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.ContainsBy(c.sessions, func(s *clientSession) bool { return s.realm == realm })
}

// SignRequest adds Authorization or Proxy-Authorization headers to the request.
//
// When res is a 401 or 407 response its challenges start fresh sessions,
// otherwise the request is signed with the existing sessions and the next nonce count.
// Headers signed earlier for the same realm are replaced.
func (c *Client) SignRequest(req *sip.Request, res *sip.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res != nil {
		if n := c.absorb(res); n == 0 {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrNoChallenge, "%d response", res.Status))
		}
	}
	if len(c.sessions) == 0 {
		return errtrace.Wrap(ErrNoChallenge)
	}

	uri := req.URI.String()
	for _, s := range c.sessions {
		name := header.NameAuthorization
		if s.proxy {
			name = header.NameProxyAuthorization
		}
		replaceRealm(&req.Headers, name, s.realm, c.sign(s, req.Method, uri, req.Body))
	}
	return nil
}

func (c *Client) absorb(res *sip.Response) int {
	var n int
	for _, proxy := range []bool{false, true} {
		name := header.NameWWWAuthenticate
		if proxy {
			name = header.NameProxyAuthenticate
		}
		for _, ch := range res.Headers.Auth(name) {
			if !strings.EqualFold(ch.Scheme, Scheme) {
				continue
			}
			alg := ch.Value("algorithm")
			if alg == "" {
				alg = AlgorithmMD5
			}
			if !strings.EqualFold(alg, AlgorithmMD5) && !isSess(alg) {
				continue
			}

			s := &clientSession{
				proxy:     proxy,
				realm:     ch.Value("realm"),
				nonce:     ch.Value("nonce"),
				opaque:    ch.Value("opaque"),
				algorithm: alg,
				qop:       pickQop(ch.Value("qop")),
			}
			c.sessions = lo.Reject(c.sessions, func(old *clientSession, _ int) bool {
				return old.realm == s.realm && old.proxy == s.proxy
			})
			c.sessions = append(c.sessions, s)
			n++
		}
	}
	return n
}

func pickQop(offered string) string {
	qops := splitQop(offered)
	switch {
	case lo.Contains(qops, QopAuth):
		return QopAuth
	case lo.Contains(qops, QopAuthInt):
		return QopAuthInt
	default:
		return ""
	}
}

func (c *Client) sign(s *clientSession, method, uri string, body []byte) *header.Auth {
	fresh := s.nc == 0
	s.nc++
	if fresh || s.cnonce == "" {
		s.cnonce = GenerateNonce()[:16]
	}
	if fresh || s.ha1 == "" || isSess(s.algorithm) {
		ha1 := c.creds.HA1
		if ha1 == "" {
			ha1 = HA1(c.creds.User, s.realm, c.creds.Password)
		}
		if isSess(s.algorithm) {
			ha1 = SessionHA1(ha1, s.nonce, s.cnonce)
		}
		s.ha1 = ha1
	}
	s.uri = uri

	nc := FormatNC(s.nc)
	auth := &header.Auth{Scheme: Scheme}
	auth.Set("username", c.creds.User, true)
	auth.Set("realm", s.realm, true)
	auth.Set("nonce", s.nonce, true)
	auth.Set("uri", uri, true)
	if s.qop != "" {
		auth.Set("qop", s.qop, false)
		auth.Set("nc", nc, false)
		auth.Set("cnonce", s.cnonce, true)
	}
	auth.Set("algorithm", s.algorithm, false)
	if s.opaque != "" {
		auth.Set("opaque", s.opaque, true)
	}
	auth.Set("response", Response(s.ha1, method, s.nonce, nc, s.cnonce, s.qop, uri, body), true)
	return auth
}

func replaceRealm(hs *header.Headers, name, realm string, auth *header.Auth) {
	kept := make([]header.Value, 0, 1)
	for _, old := range hs.Auth(name) {
		if old.Value("realm") != realm {
			kept = append(kept, old)
		}
	}
	hs.Set(name, append(kept, auth)...)
}

// CheckAuthenticationInfo verifies rspauth of the response when present
// and switches the session to nextnonce.
func (c *Client) CheckAuthenticationInfo(res *sip.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, proxy := range []bool{false, true} {
		name := header.NameAuthenticationInfo
		if proxy {
			name = header.NameProxyAuthenticationInfo
		}
		info, _ := res.Headers.First(name).(*header.Auth)
		if info == nil {
			continue
		}
		s, ok := lo.Find(c.sessions, func(s *clientSession) bool { return s.proxy == proxy })
		if !ok {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, "%s without session", name))
		}

		if rspauth, ok := info.Get("rspauth"); ok {
			qop := info.Value("qop")
			nc := info.Value("nc")
			if nc == "" {
				nc = FormatNC(s.nc)
			}
			cnonce := info.Value("cnonce")
			if cnonce == "" {
				cnonce = s.cnonce
			}
			if cnonce != s.cnonce {
				return errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, "cnonce mismatch"))
			}
			if Response(s.ha1, "", s.nonce, nc, cnonce, qop, s.uri, res.Body) != rspauth {
				return errtrace.Wrap(errorutil.NewWrapperError(ErrAuthFailed, "rspauth mismatch"))
			}
		}
		if next := info.Value("nextnonce"); next != "" && next != s.nonce {
			s.nonce = next
			s.nc = 0
		}
	}
	return nil
}
