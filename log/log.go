// Package log provides logging utilities built on log/slog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
)

// NewConsoleHandler returns a human-readable console handler.
func NewConsoleHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return newHandler(console.NewHandler(w, &console.HandlerOptions{
		AddSource:  true,
		Level:      lvl,
		TimeFormat: time.RFC3339Nano,
	}))
}

// NewDevHandler returns a verbose developer handler.
func NewDevHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return newHandler(devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     lvl,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}))
}

var defLog atomic.Pointer[slog.Logger]

func init() {
	defLog.Store(slog.New(NewConsoleHandler(os.Stdout, slog.LevelInfo)))
}

// Default returns the package default logger.
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the package default logger.
// Nil resets it to the console logger.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = slog.New(NewConsoleHandler(os.Stdout, slog.LevelInfo))
	}
	defLog.Store(l)
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a logger that discards all records.
var Noop = slog.New(noopHandler{})

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

type calcValue struct{ fn func() any }

func (v calcValue) LogValue() slog.Value {
	cv := v.fn()
	switch cv := cv.(type) {
	case slog.Value:
		return cv
	default:
		return slog.AnyValue(cv)
	}
}

// CalcValue returns a value logger that computes a value lazily using fn.
func CalcValue(fn func() any) slog.LogValuer { return calcValue{fn} }
