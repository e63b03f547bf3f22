// Package digest implements SIP digest authentication (RFC 2617, RFC 7616 with MD5).
package digest

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

//go:generate go tool errtrace -w .

// Algorithms.
const (
	AlgorithmMD5     = "MD5"
	AlgorithmMD5Sess = "MD5-sess"
)

// Quality of protection values.
const (
	QopAuth    = "auth"
	QopAuthInt = "auth-int"
)

// Scheme is the authentication scheme name.
const Scheme = "Digest"

const (
	// ErrAuthFailed is returned when credentials do not match the authentication context.
	ErrAuthFailed errorutil.Error = "digest authentication failed"
	// ErrNoChallenge is returned when a response carries no usable digest challenge.
	ErrNoChallenge errorutil.Error = "no digest challenge"
)

// KD hashes colon-joined parts with MD5 and returns the lowercase hex digest.
func KD(parts ...string) string {
	h := md5.New() //nolint:gosec
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{':'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HA1 returns the credential hash of user, realm and password.
func HA1(user, realm, password string) string {
	return KD(user, realm, password)
}

// SessionHA1 ties HA1 to the nonce and client nonce for the MD5-sess algorithm.
func SessionHA1(ha1, nonce, cnonce string) string {
	return KD(ha1, nonce, cnonce)
}

// Response computes the digest response.
// Without qop the legacy form of RFC 2069 is used,
// auth-int additionally hashes the body.
func Response(ha1, method, nonce, nc, cnonce, qop, uri string, body []byte) string {
	switch qop {
	case QopAuthInt:
		return KD(ha1, nonce, nc, cnonce, qop, KD(method, uri, KD(string(body))))
	case QopAuth:
		return KD(ha1, nonce, nc, cnonce, qop, KD(method, uri))
	default:
		return KD(ha1, nonce, KD(method, uri))
	}
}

// GenerateNonce returns a random nonce.
func GenerateNonce() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// FormatNC formats the nonce count as 8 hex digits.
func FormatNC(nc uint32) string { return fmt.Sprintf("%08x", nc) }

// ParseNC parses an 8 hex digit nonce count.
func ParseNC(s string) (uint32, bool) {
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func isSess(algorithm string) bool { return strings.EqualFold(algorithm, AlgorithmMD5Sess) }

// splitQop splits a quoted qop list like "auth,auth-int".
func splitQop(s string) []string {
	var out []string
	for q := range strings.SplitSeq(s, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, strings.ToLower(q))
		}
	}
	return out
}
