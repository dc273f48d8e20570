// Package template implements the narrow, hand-written renderer mandated
// by the design notes (§9) in place of a general template engine:
// `{{VAR}}` substitution, `{{#if VAR}}...{{/if}}` conditional blocks, and
// `{{#each LIST}}...{{/each}}` loops over a slice of string maps. Nothing
// else — no partials, no pipelines, no user-defined functions. A real
// templating library (text/template, sprig, ...) would let callers embed
// arbitrary Go expressions in prompt text; the continuation prompts and
// resume instructions this renders are fixed-shape strings with a small,
// known variable set, so the extra power is both unneeded and a larger
// surface for injected agent output to exploit.
//
// The variable-slotting idiom (a fixed placeholder swapped for caller
// data, panic-isolated) is grounded on
// internal/agent/steering/templates.go's wrapSteering/tmpl* constants and
// pipeline.go's {agent_name} substitution pass.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Data is the variable bag passed to Render. String values satisfy
// {{VAR}} and {{#if VAR}}; []map[string]string values satisfy
// {{#each VAR}}.
type Data map[string]any

var (
	eachPattern = regexp.MustCompile(`(?s)\{\{#each (\w+)\}\}(.*?)\{\{/each\}\}`)
	ifPattern   = regexp.MustCompile(`(?s)\{\{#if (\w+)\}\}(.*?)\{\{/if\}\}`)
	varPattern  = regexp.MustCompile(`\{\{(\w+)\}\}`)
)

// Render expands a template string against data. Unknown variables
// resolve to the empty string rather than erroring — a missing field in
// session metadata should degrade the prompt, not crash the orchestrator.
func Render(tmpl string, data Data) string {
	out := expandEach(tmpl, data)
	out = expandIf(out, data)
	out = expandVars(out, data)
	return out
}

func expandEach(tmpl string, data Data) string {
	return eachPattern.ReplaceAllStringFunc(tmpl, func(block string) string {
		m := eachPattern.FindStringSubmatch(block)
		name, body := m[1], m[2]

		items, ok := data[name].([]map[string]string)
		if !ok || len(items) == 0 {
			return ""
		}

		var sb strings.Builder
		for _, item := range items {
			itemData := make(Data, len(item))
			for k, v := range item {
				itemData[k] = v
			}
			sb.WriteString(expandVars(body, itemData))
		}
		return sb.String()
	})
}

func expandIf(tmpl string, data Data) string {
	return ifPattern.ReplaceAllStringFunc(tmpl, func(block string) string {
		m := ifPattern.FindStringSubmatch(block)
		name, body := m[1], m[2]

		if truthy(data[name]) {
			return body
		}
		return ""
	})
}

func expandVars(tmpl string, data Data) string {
	return varPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := varPattern.FindStringSubmatch(token)
		name := m[1]
		return stringify(data[name])
	})
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []map[string]string:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
