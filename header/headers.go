package header

import (
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipengine/internal/errorutil"
)

type kind int

const (
	kindGeneric kind = iota
	kindSingle
	kindList
	kindLines
)

var headerKinds = map[string]kind{
	"via":                       kindLines,
	"to":                        kindSingle,
	"from":                      kindSingle,
	"cseq":                      kindSingle,
	"contact":                   kindList,
	"route":                     kindList,
	"record-route":              kindList,
	"www-authenticate":          kindLines,
	"proxy-authenticate":        kindLines,
	"authorization":             kindLines,
	"proxy-authorization":       kindLines,
	"authentication-info":       kindSingle,
	"proxy-authentication-info": kindSingle,
}

func kindOf(name string) kind { return headerKinds[strings.ToLower(name)] }

// Parse parses a raw header value into structured values according to the header name.
// Unknown headers produce a single [Generic] value.
func Parse(name, raw string) ([]Value, error) {
	name = CanonicName(name)
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(name) {
	case "via":
		items := splitList(raw)
		if len(items) == 0 {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedHeader, "empty Via"))
		}
		vals := make([]Value, 0, len(items))
		for _, item := range items {
			v, err := ParseVia(item)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			vals = append(vals, v)
		}
		return vals, nil
	case "to", "from":
		na, err := ParseNameAddr(raw)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return []Value{na}, nil
	case "contact", "route", "record-route":
		items := splitList(raw)
		vals := make([]Value, 0, len(items))
		for _, item := range items {
			na, err := ParseNameAddr(item)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			vals = append(vals, na)
		}
		return vals, nil
	case "cseq":
		c, err := ParseCSeq(raw)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return []Value{c}, nil
	case "www-authenticate", "proxy-authenticate", "authorization", "proxy-authorization",
		"authentication-info", "proxy-authentication-info":
		a, err := ParseAuth(raw)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return []Value{a}, nil
	default:
		return []Value{Generic(raw)}, nil
	}
}

type entry struct {
	name   string
	values []Value
}

// Headers is an ordered collection of header values keyed by case-insensitive name.
// The zero value is an empty collection ready to use.
type Headers struct {
	entries []entry
}

func (h *Headers) index(name string) int {
	name = ExpandCompact(name)
	for i := range h.entries {
		if strings.EqualFold(h.entries[i].name, name) {
			return i
		}
	}
	return -1
}

// Len returns the number of distinct header names.
func (h *Headers) Len() int { return len(h.entries) }

// Names returns canonical header names in insertion order.
func (h *Headers) Names() []string {
	names := make([]string, len(h.entries))
	for i, e := range h.entries {
		names[i] = e.name
	}
	return names
}

// Has reports whether the header is present.
func (h *Headers) Has(name string) bool { return h.index(name) >= 0 }

// Get returns all values of the header.
func (h *Headers) Get(name string) []Value {
	if i := h.index(name); i >= 0 {
		return h.entries[i].values
	}
	return nil
}

// First returns the first value of the header or nil.
func (h *Headers) First(name string) Value {
	if vs := h.Get(name); len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// Set replaces all values of the header keeping its position.
// Calling Set without values removes the header.
func (h *Headers) Set(name string, vals ...Value) {
	if len(vals) == 0 {
		h.Del(name)
		return
	}
	if i := h.index(name); i >= 0 {
		h.entries[i].values = vals
		return
	}
	h.entries = append(h.entries, entry{CanonicName(name), vals})
}

// Append adds values to the end of the header.
// Generic values of a non-list header are joined into one comma-separated value.
func (h *Headers) Append(name string, vals ...Value) {
	if len(vals) == 0 {
		return
	}
	i := h.index(name)
	if i < 0 {
		h.entries = append(h.entries, entry{CanonicName(name), vals})
		return
	}
	e := &h.entries[i]
	if kindOf(e.name) == kindGeneric {
		parts := make([]string, 0, len(e.values)+len(vals))
		for _, v := range slices.Concat(e.values, vals) {
			parts = append(parts, v.String())
		}
		e.values = []Value{Generic(strings.Join(parts, ", "))}
		return
	}
	e.values = append(e.values, vals...)
}

// Prepend inserts values at the beginning of the header.
func (h *Headers) Prepend(name string, vals ...Value) {
	if i := h.index(name); i >= 0 {
		h.entries[i].values = slices.Concat(vals, h.entries[i].values)
		return
	}
	h.entries = append(h.entries, entry{CanonicName(name), vals})
}

// Del removes the header.
func (h *Headers) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.entries = slices.Delete(h.entries, i, i+1)
	}
}

// AddRaw parses the raw value and appends it under the given name.
// Compact names are expanded.
func (h *Headers) AddRaw(name, raw string) error {
	vals, err := Parse(name, raw)
	if err != nil {
		return errtrace.Wrap(err)
	}
	h.Append(name, vals...)
	return nil
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	out := Headers{entries: make([]entry, len(h.entries))}
	for i, e := range h.entries {
		vals := make([]Value, len(e.values))
		for j, v := range e.values {
			vals[j] = v.Clone()
		}
		out.entries[i] = entry{e.name, vals}
	}
	return out
}

// Equal reports whether both collections contain the same values per header name.
// The order of distinct header names is ignored, the order of values within a header is not.
func (h Headers) Equal(other Headers) bool {
	if len(h.entries) != len(other.entries) {
		return false
	}
	for _, e := range h.entries {
		ovals := other.Get(e.name)
		if len(ovals) != len(e.values) {
			return false
		}
		for i := range e.values {
			if e.values[i].String() != ovals[i].String() {
				return false
			}
		}
	}
	return true
}

// RenderOptions control how headers are written.
type RenderOptions struct {
	// Compact writes compact header names where available.
	Compact bool
}

// Render writes headers in wire format, one CRLF-terminated line per header or per value
// for headers whose values can not be comma-joined.
func (h *Headers) Render(sb *strings.Builder, opts *RenderOptions) {
	for _, e := range h.entries {
		name := e.name
		if opts != nil && opts.Compact {
			if c, ok := CompactName(name); ok {
				name = c
			}
		}
		if kindOf(e.name) == kindLines {
			for _, v := range e.values {
				writeLine(sb, name, v.String())
			}
			continue
		}
		parts := make([]string, len(e.values))
		for i, v := range e.values {
			parts[i] = v.String()
		}
		writeLine(sb, name, strings.Join(parts, ", "))
	}
}

func writeLine(sb *strings.Builder, name, value string) {
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\r\n")
}

// Via returns all Via hops.
func (h *Headers) Via() []*Via { return typed[*Via](h.Get(NameVia)) }

// TopVia returns the topmost Via hop or nil.
func (h *Headers) TopVia() *Via {
	v, _ := h.First(NameVia).(*Via)
	return v
}

// PushVia inserts a new topmost Via hop.
func (h *Headers) PushVia(v *Via) { h.Prepend(NameVia, v) }

// PopVia removes the topmost Via hop and returns it.
func (h *Headers) PopVia() *Via {
	i := h.index(NameVia)
	if i < 0 {
		return nil
	}
	e := &h.entries[i]
	top, _ := e.values[0].(*Via)
	if len(e.values) == 1 {
		h.Del(NameVia)
	} else {
		e.values = e.values[1:]
	}
	return top
}

// To returns the To header value or nil.
func (h *Headers) To() *NameAddr {
	v, _ := h.First(NameTo).(*NameAddr)
	return v
}

// From returns the From header value or nil.
func (h *Headers) From() *NameAddr {
	v, _ := h.First(NameFrom).(*NameAddr)
	return v
}

// CallID returns the Call-ID value.
func (h *Headers) CallID() string {
	if v := h.First(NameCallID); v != nil {
		return strings.TrimSpace(v.String())
	}
	return ""
}

// CSeq returns the CSeq header value or nil.
func (h *Headers) CSeq() *CSeq {
	v, _ := h.First(NameCSeq).(*CSeq)
	return v
}

// Contact returns all Contact values.
func (h *Headers) Contact() []*NameAddr { return typed[*NameAddr](h.Get(NameContact)) }

// Route returns all Route values.
func (h *Headers) Route() []*NameAddr { return typed[*NameAddr](h.Get(NameRoute)) }

// RecordRoute returns all Record-Route values.
func (h *Headers) RecordRoute() []*NameAddr { return typed[*NameAddr](h.Get(NameRecordRoute)) }

// Auth returns all values of an authentication header.
func (h *Headers) Auth(name string) []*Auth { return typed[*Auth](h.Get(name)) }

// MaxForwards returns the Max-Forwards value.
func (h *Headers) MaxForwards() (int, bool) {
	v := h.First(NameMaxForwards)
	if v == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.String()))
	if err != nil {
		return 0, false
	}
	return n, true
}

func typed[T Value](vals []Value) []T {
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		if tv, ok := v.(T); ok {
			out = append(out, tv)
		}
	}
	return out
}
