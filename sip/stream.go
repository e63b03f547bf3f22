package sip

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
)

// Default stream framing limits.
const (
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 1 << 20
)

// StreamReaderOptions configure a [StreamReader].
type StreamReaderOptions struct {
	// MaxHeaderBytes limits the size of a header block.
	// Zero means [DefaultMaxHeaderBytes].
	MaxHeaderBytes int
	// MaxBodyBytes limits the announced Content-Length.
	// Zero means [DefaultMaxBodyBytes].
	MaxBodyBytes int
	// OnKeepAlive is called for every double-CRLF keep-alive ping.
	OnKeepAlive func()
}

func (o *StreamReaderOptions) maxHeaderBytes() int {
	if o == nil || o.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return o.MaxHeaderBytes
}

func (o *StreamReaderOptions) maxBodyBytes() int {
	if o == nil || o.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}

func (o *StreamReaderOptions) onKeepAlive() {
	if o != nil && o.OnKeepAlive != nil {
		o.OnKeepAlive()
	}
}

// StreamReader frames messages read from a connection-oriented stream.
type StreamReader struct {
	r    *bufio.Reader
	opts *StreamReaderOptions
}

// NewStreamReader creates a new stream reader.
func NewStreamReader(r io.Reader, opts *StreamReaderOptions) *StreamReader {
	return &StreamReader{r: bufio.NewReaderSize(r, 4096), opts: opts}
}

// Next reads the next message from the stream.
//
// A malformed message is consumed entirely and reported with an error for which
// [IsMalformed] returns true, the stream stays usable.
// [ErrFlood] and I/O errors are fatal for the stream.
func (s *StreamReader) Next() (Message, error) {
	if err := s.skipCRLF(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	head, err := s.readHead()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	msg, cl, perr := parseHead(head)
	if perr != nil {
		if cl = scanContentLength(head); cl > 0 {
			if err := s.discard(cl); err != nil {
				return nil, errtrace.Wrap(err)
			}
		}
		return nil, errtrace.Wrap(perr)
	}
	if cl <= 0 {
		return msg, nil
	}
	if cl > s.opts.maxBodyBytes() {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrFlood, "Content-Length %d", cl))
	}
	body := make([]byte, cl)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, errtrace.Wrap(unexpectedEOF(err))
	}
	setBody(msg, body)
	return msg, nil
}

func (s *StreamReader) skipCRLF() error {
	var lfs int
	for {
		b, err := s.r.Peek(1)
		if err != nil {
			return errtrace.Wrap(err)
		}
		switch b[0] {
		case '\r':
		case '\n':
			lfs++
		default:
			return nil
		}
		_, _ = s.r.ReadByte()
		if lfs == 2 {
			lfs = 0
			s.opts.onKeepAlive()
		}
	}
}

func (s *StreamReader) readHead() (string, error) {
	var (
		buf       []byte
		lineStart int
		limit     = s.opts.maxHeaderBytes()
	)
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return "", errtrace.Wrap(errorutil.NewWrapperError(ErrFlood, "header block exceeds %d bytes", limit))
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", errtrace.Wrap(unexpectedEOF(err))
		}
		if line := string(buf[lineStart:]); line == "\r\n" || line == "\n" {
			return strings.TrimRight(string(buf[:lineStart]), "\r\n"), nil
		}
		lineStart = len(buf)
	}
}

func (s *StreamReader) discard(n int) error {
	if n > s.opts.maxBodyBytes() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrFlood, "Content-Length %d", n))
	}
	if _, err := s.r.Discard(n); err != nil {
		return errtrace.Wrap(unexpectedEOF(err))
	}
	return nil
}

func scanContentLength(head string) int {
	for _, line := range unfoldLines(head) {
		name, value, ok := strings.Cut(line, ":")
		if !ok || header.CanonicName(name) != header.NameContentLength {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// IsMalformed reports whether the error is caused by malformed wire data
// as opposed to a transport or flood condition.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedStartLine) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrMalformedMessage)
}
