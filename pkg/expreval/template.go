package expreval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// renderTemplate scans tmpl for {{ expr }} spans, evaluates each as an
// expression against ctx, and substitutes its stringified result. Text
// outside {{ }} passes through unchanged. A span whose expression fails
// to parse or evaluate is left verbatim (braces included) and rendering
// continues; only an unterminated {{ with no matching }} aborts the call,
// since there is no span end to preserve.
func renderTemplate(tmpl string, ctx *Context, budget time.Duration) (string, error) {
	var out strings.Builder
	i := 0
	n := len(tmpl)
	for i < n {
		start := strings.Index(tmpl[i:], "{{")
		if start == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		start += i
		out.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("unterminated {{ at position %d", start)
		}
		end += start

		exprSrc := strings.TrimSpace(tmpl[start+2 : end])
		node, err := parse(exprSrc)
		if err != nil {
			out.WriteString(tmpl[start : end+2])
			i = end + 2
			continue
		}
		val, err := Eval(node, ctx, budget)
		if err != nil {
			out.WriteString(tmpl[start : end+2])
			i = end + 2
			continue
		}
		out.WriteString(stringify(val))
		i = end + 2
	}
	return out.String(), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
