package sip

//go:generate go tool errtrace -w .

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/uri"
)

// Version is the protocol version written by default.
const Version = "2.0"

// Request methods known to the engine.
const (
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodCancel   = "CANCEL"
	MethodBye      = "BYE"
	MethodOptions  = "OPTIONS"
	MethodRegister = "REGISTER"
)

// RenderOptions control message serialization.
type RenderOptions struct {
	// Compact writes compact header names where available.
	Compact bool
}

// Message is either a [*Request] or a [*Response].
type Message interface {
	// Render serializes the message, always recomputing Content-Length from the body.
	Render(opts *RenderOptions) []byte
	// Clone returns a deep copy of the message.
	Clone() Message
	// Validate checks that headers mandatory for transaction processing are present.
	Validate() error
	String() string
	slog.LogValuer

	headers() *header.Headers
	body() []byte
}

// GetHeaders returns the headers of the message.
func GetHeaders(m Message) *header.Headers { return m.headers() }

// GetBody returns the body of the message.
func GetBody(m Message) []byte { return m.body() }

// Request is a SIP request.
type Request struct {
	Method  string
	URI     *uri.URI
	Version string
	Headers header.Headers
	Body    []byte
}

func (r *Request) headers() *header.Headers { return &r.Headers }

func (r *Request) body() []byte { return r.Body }

// Render serializes the request.
func (r *Request) Render(opts *RenderOptions) []byte {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.URI.String())
	sb.WriteString(" SIP/")
	sb.WriteString(versionOrDefault(r.Version))
	sb.WriteString("\r\n")
	renderTail(&sb, &r.Headers, r.Body, opts)
	return []byte(sb.String())
}

func (r *Request) String() string { return string(r.Render(nil)) }

// Clone returns a deep copy of the request.
func (r *Request) Clone() Message { return r.CloneRequest() }

// CloneRequest returns a typed deep copy of the request.
func (r *Request) CloneRequest() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI.Clone(),
		Version: r.Version,
		Headers: r.Headers.Clone(),
		Body:    cloneBytes(r.Body),
	}
}

// Validate checks the start line and the mandatory headers.
func (r *Request) Validate() error {
	if r.Method == "" || r.URI == nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedStartLine, "empty method or Request-URI"))
	}
	if err := validateHeaders(&r.Headers); err != nil {
		return errtrace.Wrap(err)
	}
	if cseq := r.Headers.CSeq(); r.Method != MethodAck && r.Method != MethodCancel && cseq.Method != r.Method {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedMessage,
			"CSeq method %q does not match request method %q", cseq.Method, r.Method))
	}
	return nil
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("start_line", r.Method+" "+r.URI.String()),
		slog.String("call_id", r.Headers.CallID()),
		slog.String("branch", r.Headers.TopVia().Branch()),
	)
}

// IsInvite reports whether the request is INVITE.
func (r *Request) IsInvite() bool { return r.Method == MethodInvite }

// Response is a SIP response.
type Response struct {
	Status  int
	Reason  string
	Version string
	Headers header.Headers
	Body    []byte
}

func (r *Response) headers() *header.Headers { return &r.Headers }

func (r *Response) body() []byte { return r.Body }

// Render serializes the response.
func (r *Response) Render(opts *RenderOptions) []byte {
	var sb strings.Builder
	sb.WriteString("SIP/")
	sb.WriteString(versionOrDefault(r.Version))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(r.Status))
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	renderTail(&sb, &r.Headers, r.Body, opts)
	return []byte(sb.String())
}

func (r *Response) String() string { return string(r.Render(nil)) }

// Clone returns a deep copy of the response.
func (r *Response) Clone() Message { return r.CloneResponse() }

// CloneResponse returns a typed deep copy of the response.
func (r *Response) CloneResponse() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:  r.Status,
		Reason:  r.Reason,
		Version: r.Version,
		Headers: r.Headers.Clone(),
		Body:    cloneBytes(r.Body),
	}
}

// Validate checks the status and the mandatory headers.
func (r *Response) Validate() error {
	if r.Status < 100 || r.Status > 699 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedStartLine, "invalid status code %d", r.Status))
	}
	return errtrace.Wrap(validateHeaders(&r.Headers))
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("start_line", strconv.Itoa(r.Status)+" "+r.Reason),
		slog.String("call_id", r.Headers.CallID()),
		slog.String("branch", r.Headers.TopVia().Branch()),
	)
}

// IsProvisional reports whether the status is 1xx.
func (r *Response) IsProvisional() bool { return r.Status < 200 }

// IsSuccess reports whether the status is 2xx.
func (r *Response) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// IsFinal reports whether the status is final, i.e. 2xx-6xx.
func (r *Response) IsFinal() bool { return r.Status >= 200 }

func validateHeaders(hs *header.Headers) error {
	var missing []string
	if len(hs.Via()) == 0 {
		missing = append(missing, header.NameVia)
	}
	if hs.CallID() == "" {
		missing = append(missing, header.NameCallID)
	}
	if hs.To() == nil {
		missing = append(missing, header.NameTo)
	}
	if hs.From() == nil {
		missing = append(missing, header.NameFrom)
	}
	if hs.CSeq() == nil {
		missing = append(missing, header.NameCSeq)
	}
	if len(missing) > 0 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMissingHeaders, strings.Join(missing, ", ")))
	}
	return nil
}

func renderTail(sb *strings.Builder, hs *header.Headers, body []byte, opts *RenderOptions) {
	var hopts *header.RenderOptions
	if opts != nil {
		hopts = &header.RenderOptions{Compact: opts.Compact}
	}
	if hs.Has(header.NameContentLength) {
		c := hs.Clone()
		c.Del(header.NameContentLength)
		hs = &c
	}
	hs.Render(sb, hopts)

	name := header.NameContentLength
	if hopts != nil && hopts.Compact {
		name, _ = header.CompactName(name)
	}
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")
	sb.Write(body)
}

func versionOrDefault(v string) string {
	if v == "" {
		return Version
	}
	return v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
