// Package log provides logging utilities.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ls net.Listener) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", ls)),
			slog.String("ptr", fmt.Sprintf("%p", ls)),
			slog.Any("local_addr", ls.Addr()),
		)
	}),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
			slog.Any("remote_addr", c.RemoteAddr()),
		)
	}),
	slogformatter.FormatByType(func(ap netip.AddrPort) slog.Value {
		return slog.StringValue(ap.String())
	}),
)

// Format selects the handler used by [New].
type Format string

const (
	// FormatConsole is a compact human readable format.
	FormatConsole Format = "console"
	// FormatDev is a verbose developer format.
	FormatDev Format = "dev"
	// FormatJSON is a structured JSON format.
	FormatJSON Format = "json"
)

// New creates a logger writing to w with the given format and minimal level.
func New(w io.Writer, format Format, level slog.Leveler) *slog.Logger {
	var h slog.Handler
	switch format {
	case FormatDev:
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: true,
			Level:     level,
		})
	default:
		h = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return slog.New(newHandler(h))
}

// Def is a default logger.
var Def = New(os.Stdout, FormatConsole, slog.LevelDebug)

// Dev is a developer logger.
var Dev = New(os.Stdout, FormatDev, slog.LevelDebug)

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var def = Noop

// Default returns the logger used by components created without an explicit logger.
func Default() *slog.Logger { return def }

// SetDefault replaces the logger returned by [Default].
// It must be called before any engine component is created.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	def = l
}

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }
