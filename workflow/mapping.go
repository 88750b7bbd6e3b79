package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// MappingEngine resolves {{ .field }} expressions in a state's parameters,
// assign, and output blocks against the run's Context.
//
// Grounded on pipeline_template.go's TemplateEngine: same text/template
// base, the same hyphen-dot-chain preprocessing so a state named
// "start-auth" is reachable as {{ .states.start-auth.result.token }}
// without the hyphen being parsed as subtraction, and the same function
// map. The data shape differs to match this engine's context: top-level
// input/global/vars plus a states map keyed by state name instead of the
// flat steps/trigger/meta split pipeline_template.go uses.
type MappingEngine struct{}

// NewMappingEngine builds a MappingEngine.
func NewMappingEngine() *MappingEngine { return &MappingEngine{} }

func (te *MappingEngine) templateData(ctx *Context) map[string]any {
	return map[string]any{
		"input":  ctx.Input,
		"global": ctx.Global,
		"vars":   ctx.Vars,
		"states": ctx.States,
	}
}

var dotChainRe = regexp.MustCompile(`\.[a-zA-Z_][a-zA-Z0-9_-]*(?:\.[a-zA-Z_][a-zA-Z0-9_-]*)*`)
var stringLiteralRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"` + "|`[^`]*`")

// preprocessTemplate rewrites hyphenated dot-access chains into index syntax
// (see pipeline_template.go's function of the same name for the original).
func preprocessTemplate(tmplStr string) string {
	if !strings.Contains(tmplStr, "{{") || !strings.Contains(tmplStr, "-") {
		return tmplStr
	}

	var out strings.Builder
	rest := tmplStr

	for {
		openIdx := strings.Index(rest, "{{")
		if openIdx < 0 {
			out.WriteString(rest)
			break
		}
		closeIdx := strings.Index(rest[openIdx:], "}}")
		if closeIdx < 0 {
			out.WriteString(rest)
			break
		}
		closeIdx += openIdx

		out.WriteString(rest[:openIdx])
		action := rest[openIdx+2 : closeIdx]

		trimmed := strings.TrimSpace(action)
		if strings.HasPrefix(trimmed, "/*") && strings.HasSuffix(trimmed, "*/") {
			out.WriteString("{{")
			out.WriteString(action)
			out.WriteString("}}")
			rest = rest[closeIdx+2:]
			continue
		}

		var placeholders []string
		stripped := stringLiteralRe.ReplaceAllStringFunc(action, func(m string) string {
			placeholders = append(placeholders, m)
			return "\x00"
		})

		rewritten := dotChainRe.ReplaceAllStringFunc(stripped, func(chain string) string {
			segments := strings.Split(chain[1:], ".")
			hasHyphen := false
			for _, seg := range segments {
				if strings.Contains(seg, "-") {
					hasHyphen = true
					break
				}
			}
			if !hasHyphen {
				return chain
			}

			firstHyphen := -1
			for i, seg := range segments {
				if strings.Contains(seg, "-") {
					firstHyphen = i
					break
				}
			}

			var prefix string
			if firstHyphen == 0 {
				prefix = "."
			} else {
				prefix = "." + strings.Join(segments[:firstHyphen], ".")
			}

			var quoted []string
			for _, seg := range segments[firstHyphen:] {
				quoted = append(quoted, `"`+seg+`"`)
			}

			return "(index " + prefix + " " + strings.Join(quoted, " ") + ")"
		})

		var restored string
		if len(placeholders) > 0 {
			phIdx := 0
			var final strings.Builder
			for i := 0; i < len(rewritten); i++ {
				if rewritten[i] == '\x00' && phIdx < len(placeholders) {
					final.WriteString(placeholders[phIdx])
					phIdx++
				} else {
					final.WriteByte(rewritten[i])
				}
			}
			restored = final.String()
		} else {
			restored = rewritten
		}

		out.WriteString("{{")
		out.WriteString(restored)
		out.WriteString("}}")
		rest = rest[closeIdx+2:]
	}

	return out.String()
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"uuid":  func() string { return uuid.New().String() },
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"default": func(fallback, val any) any {
			if val == nil {
				return fallback
			}
			if s, ok := val.(string); ok && s == "" {
				return fallback
			}
			return val
		},
		"trimPrefix": func(prefix, s string) string { return strings.TrimPrefix(s, prefix) },
		"trimSuffix": func(suffix, s string) string { return strings.TrimSuffix(s, suffix) },
		"now": func(args ...string) string {
			layout := time.RFC3339
			if len(args) > 0 && args[0] != "" {
				layout = args[0]
			}
			return time.Now().UTC().Format(layout)
		},
		"json": func(v any) string {
			b, err := json.Marshal(v)
			if err != nil {
				return "{}"
			}
			return string(b)
		},
	}
}

// Resolve evaluates a template string against ctx; strings with no "{{" are
// returned unchanged.
func (te *MappingEngine) Resolve(tmplStr string, ctx *Context) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmplStr = preprocessTemplate(tmplStr)

	t, err := template.New("").Funcs(funcMap()).Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("workflow: mapping parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, te.templateData(ctx)); err != nil {
		return "", fmt.Errorf("workflow: mapping exec error: %w", err)
	}
	return buf.String(), nil
}

// ResolveValue recursively resolves templates inside strings, map values,
// and slice elements. Non-string leaves pass through unchanged.
func (te *MappingEngine) ResolveValue(v any, ctx *Context) (any, error) {
	switch val := v.(type) {
	case string:
		return te.Resolve(val, ctx)
	case map[string]any:
		return te.ResolveMap(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := te.ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves every value in data, recursively.
func (te *MappingEngine) ResolveMap(data map[string]any, ctx *Context) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		resolved, err := te.ResolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}
