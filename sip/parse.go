package sip

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
	"github.com/ghettovoice/sipengine/uri"
)

var (
	requestLineRe  = regexp.MustCompile(`^([A-Za-z0-9.!%*_+` + "`" + `'~-]+) (\S+) SIP/(\d+\.\d+)$`)
	responseLineRe = regexp.MustCompile(`^SIP/(\d+\.\d+) ([1-6]\d\d)(?: (.*))?$`)
)

// Parse parses a complete message, e.g. a datagram payload.
// The body is sized by Content-Length when present, otherwise it spans the rest of data.
// Content-Length is consumed and never kept in the parsed headers.
func Parse(data []byte) (Message, error) {
	head, rest := splitHead(data)
	msg, cl, err := parseHead(head)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	body := rest
	if cl >= 0 {
		if cl > len(rest) {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedMessage,
				"Content-Length %d exceeds available %d bytes", cl, len(rest)))
		}
		body = rest[:cl]
	}
	setBody(msg, body)
	return msg, nil
}

// splitHead splits data on the first blank line.
func splitHead(data []byte) (head string, rest []byte) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return string(data[:crlf]), data[crlf+4:]
	case lf >= 0:
		return string(data[:lf]), data[lf+2:]
	default:
		return string(data), nil
	}
}

// unfoldLines splits the header block into lines joining continuation lines.
func unfoldLines(head string) []string {
	raw := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		if len(lines) == 0 && l == "" {
			continue
		}
		lines = append(lines, l)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// parseHead parses the start line and headers.
// It returns the Content-Length value or -1 if the header is absent.
func parseHead(head string) (Message, int, error) {
	lines := unfoldLines(head)
	if len(lines) == 0 {
		return nil, -1, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedStartLine, "empty message"))
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, -1, errtrace.Wrap(err)
	}

	hs := msg.headers()
	cl := -1
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, -1, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid header line %q", line))
		}
		if header.CanonicName(name) == header.NameContentLength {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, -1, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "invalid Content-Length %q", value))
			}
			cl = n
			continue
		}
		if err := hs.AddRaw(name, value); err != nil {
			return nil, -1, errtrace.Wrap(err)
		}
	}
	return msg, cl, nil
}

func parseStartLine(line string) (Message, error) {
	if m := requestLineRe.FindStringSubmatch(line); m != nil {
		u, err := uri.Parse(m[2])
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedStartLine, err))
		}
		return &Request{Method: m[1], URI: u, Version: m[3]}, nil
	}
	if m := responseLineRe.FindStringSubmatch(line); m != nil {
		status, _ := strconv.Atoi(m[2])
		return &Response{Status: status, Reason: m[3], Version: m[1]}, nil
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedStartLine, "%q", line))
}

func setBody(msg Message, body []byte) {
	if len(body) == 0 {
		return
	}
	b := cloneBytes(body)
	switch m := msg.(type) {
	case *Request:
		m.Body = b
	case *Response:
		m.Body = b
	}
}
