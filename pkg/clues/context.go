package clues

import (
	"strconv"
	"strings"

	"obdpipeline/pkg/obdtypes"
)

// templateContext is built once per rule evaluation and carries both the
// per-signal SignalStats namespace and the free variables set by whichever
// anomaly_check/dtc_check condition last matched, resolved through an
// explicit dotted-key lookup.
type templateContext struct {
	signals map[string]obdtypes.SignalStats
	vars    map[string]string
}

func newTemplateContext(stats *obdtypes.SignalStatistics) *templateContext {
	return &templateContext{
		signals: stats.Stats,
		vars:    make(map[string]string),
	}
}

func (c *templateContext) clone() *templateContext {
	vars := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		vars[k] = v
	}
	return &templateContext{signals: c.signals, vars: vars}
}

func (c *templateContext) setVar(name, value string) {
	c.vars[name] = value
}

// resolve looks up a dotted key ("engine_rpm.mean") or a free variable
// ("anomaly_count"). ok is false for any unresolvable key, in which case
// the caller renders the literal "N/A" rather than failing.
func (c *templateContext) resolve(key string) (value obdtypes.Float, strValue string, isStr bool, ok bool) {
	if v, found := c.vars[key]; found {
		return obdtypes.Float{}, v, true, true
	}
	name, field, hasDot := strings.Cut(key, ".")
	if !hasDot {
		return obdtypes.Float{}, "", false, false
	}
	stats, found := c.signals[name]
	if !found {
		return obdtypes.Float{}, "", false, false
	}
	f, found := stats.Field(field)
	if !found {
		return obdtypes.Float{}, "", false, false
	}
	return f, "", false, true
}

// renderTemplate expands every `{key}` or `{key:spec}` placeholder in tmpl.
// Missing keys render as the literal "N/A" (recover, never fail).
func renderTemplate(tmpl string, ctx *templateContext) string {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] != '{' {
			out.WriteByte(tmpl[i])
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		end += i
		key, spec, _ := strings.Cut(tmpl[i+1:end], ":")
		out.WriteString(renderPlaceholder(key, spec, ctx))
		i = end + 1
	}
	return out.String()
}

func renderPlaceholder(key, spec string, ctx *templateContext) string {
	f, s, isStr, ok := ctx.resolve(key)
	if !ok {
		return "N/A"
	}
	if isStr {
		return s
	}
	if !f.Valid {
		return "N/A"
	}
	return formatFloat(f.Value, spec)
}

func formatFloat(v float64, spec string) string {
	if v != v { // NaN
		return "N/A"
	}
	if prec, ok := parsePrecisionSpec(spec); ok {
		return strconv.FormatFloat(v, 'f', prec, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// parsePrecisionSpec parses a Python-style ".Nf" format spec.
func parsePrecisionSpec(spec string) (int, bool) {
	spec = strings.TrimPrefix(spec, ".")
	spec = strings.TrimSuffix(spec, "f")
	if spec == "" {
		return 0, false
	}
	n := 0
	for _, r := range spec {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
