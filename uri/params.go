package uri

import (
	"strings"
)

// Param is a single name/value parameter.
// An empty Value denotes a flag parameter such as ";lr".
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of parameters with case-insensitive names.
// Names are stored lower-cased.
type Params []Param

// ParseParams parses a list of parameters separated by sep, e.g. "a=1;b;c=x".
// Empty items are skipped.
func ParseParams(s string, sep byte) Params {
	var ps Params
	for item := range strings.SplitSeq(s, string(sep)) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, val, _ := strings.Cut(item, "=")
		ps = append(ps, Param{
			Name:  strings.ToLower(strings.TrimSpace(name)),
			Value: strings.TrimSpace(val),
		})
	}
	return ps
}

func (ps Params) index(name string) int {
	for i := range ps {
		if strings.EqualFold(ps[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the parameter value and whether it is present.
func (ps Params) Get(name string) (string, bool) {
	if i := ps.index(name); i >= 0 {
		return ps[i].Value, true
	}
	return "", false
}

// Has reports whether the parameter is present.
func (ps Params) Has(name string) bool { return ps.index(name) >= 0 }

// Set replaces the parameter value in place or appends a new parameter.
func (ps *Params) Set(name, value string) {
	if i := ps.index(name); i >= 0 {
		(*ps)[i].Value = value
		return
	}
	*ps = append(*ps, Param{strings.ToLower(name), value})
}

// Del removes the parameter.
func (ps *Params) Del(name string) {
	if i := ps.index(name); i >= 0 {
		*ps = append((*ps)[:i], (*ps)[i+1:]...)
	}
}

// Clone returns a deep copy of the parameters.
func (ps Params) Clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

// Equal compares parameters ignoring their order.
func (ps Params) Equal(other Params) bool {
	if len(ps) != len(other) {
		return false
	}
	for _, p := range ps {
		v, ok := other.Get(p.Name)
		if !ok || v != p.Value {
			return false
		}
	}
	return true
}

// Render writes parameters each prefixed with sep.
func (ps Params) Render(sb *strings.Builder, sep byte) {
	for _, p := range ps {
		sb.WriteByte(sep)
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// String renders parameters with the ";" separator.
func (ps Params) String() string {
	var sb strings.Builder
	ps.Render(&sb, ';')
	return sb.String()
}
