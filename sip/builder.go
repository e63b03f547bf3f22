package sip

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/uri"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	380: "Alternative Service",
	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	410: "Gone",
	413: "Request Entity Too Large",
	414: "Request-URI Too Long",
	415: "Unsupported Media Type",
	416: "Unsupported URI Scheme",
	420: "Bad Extension",
	421: "Extension Required",
	423: "Interval Too Brief",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	484: "Address Incomplete",
	485: "Ambiguous",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	493: "Undecipherable",
	500: "Server Internal Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Server Time-out",
	505: "Version Not Supported",
	513: "Message Too Large",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// ReasonPhrase returns the default reason phrase for the status code.
func ReasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	return ""
}

// NewResponse builds a response to the request copying Via, From, To, Call-ID and CSeq.
// An empty reason is replaced with the default phrase.
func NewResponse(req *Request, status int, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	res := &Response{
		Status:  status,
		Reason:  reason,
		Version: versionOrDefault(req.Version),
	}
	for _, name := range []string{header.NameVia, header.NameFrom, header.NameTo, header.NameCallID, header.NameCSeq} {
		vals := req.Headers.Get(name)
		if len(vals) == 0 {
			continue
		}
		cloned := make([]header.Value, len(vals))
		for i, v := range vals {
			cloned[i] = v.Clone()
		}
		res.Headers.Set(name, cloned...)
	}
	return res
}

// GenerateBranch returns a new unique branch with the RFC 3261 magic cookie.
func GenerateBranch() string {
	return MagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateTag returns a random From/To tag.
func GenerateTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateCallID returns a new Call-ID value, optionally scoped with host.
func GenerateCallID(host string) string {
	id := uuid.NewString()
	if host != "" {
		id += "@" + host
	}
	return id
}

// IsRFC3261Branch reports whether the branch starts with the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie) && len(branch) > len(MagicCookie)
}

// ensureToTag adds a random tag to the To header when it has none.
func ensureToTag(res *Response, tag string) {
	to := res.Headers.To()
	if to == nil || to.Tag() != "" {
		return
	}
	if tag == "" {
		tag = GenerateTag()
	}
	to.Params.Set("tag", tag)
}

// NewRequest builds an out-of-dialog request to ruri with a fresh Call-ID, From tag and CSeq 1.
// The To header is the Request-URI without parameters.
func NewRequest(method string, ruri *uri.URI, from *header.NameAddr) *Request {
	req := &Request{Method: method, URI: ruri.Clone(), Version: Version}

	from = from.CloneNameAddr()
	if from.Tag() == "" {
		from.Params.Set("tag", GenerateTag())
	}
	to := ruri.Clone()
	to.Params = nil
	req.Headers.Set(header.NameFrom, from)
	req.Headers.Set(header.NameTo, &header.NameAddr{URI: to})
	req.Headers.Set(header.NameCallID, header.Generic(GenerateCallID(from.URI.Host)))
	req.Headers.Set(header.NameCSeq, &header.CSeq{Seq: 1, Method: method})
	req.Headers.Set(header.NameMaxForwards, header.Generic(strconv.Itoa(DefaultMaxForwards)))
	return req
}
