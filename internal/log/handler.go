package log

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// RingHandler forwards records to a wrapped handler and also appends them to a Ring as
// "message key=value ..." lines.
type RingHandler struct {
	inner  slog.Handler
	ring   *Ring
	pre    string // attrs added through WithAttrs, already formatted
	prefix string // group prefix, "a.b."
}

// NewRingHandler wraps inner so every record it accepts is also kept in ring.
func NewRingHandler(inner slog.Handler, ring *Ring) *RingHandler {
	return &RingHandler{inner: inner, ring: ring}
}

// Enabled implements slog.Handler.
func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	h.ring.AddEntry(Entry{Time: r.Time, Message: b.String()})
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	return &RingHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring, pre: b.String(), prefix: h.prefix}
}

// WithGroup implements slog.Handler.
func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RingHandler{inner: h.inner.WithGroup(name), ring: h.ring, pre: h.pre, prefix: h.prefix + name + "."}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		v = strconv.Quote(v)
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(v)
}
