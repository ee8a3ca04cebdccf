// Package toon implements the line-oriented, tabular-friendly
// serialization used to reduce the token cost of uniform result sets
// before they are handed to an LLM (spec.md §6, §4.4, §4.7).
//
// Objects render as "key: value" lines; a list of uniform objects renders
// as a tabular block: "key[N]{col1,col2,...}:" followed by one
// comma-separated row per element. Key order is deterministic: keys are
// sorted lexically; the order in which they were inserted is not kept.
package toon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flatten recursively flattens a nested object per spec.md §4.7's tabular
// flattening transform: nested objects become "parent_child" scalar keys,
// lists of primitives become pipe-joined strings, and lists of objects are
// recursively flattened themselves (their own nested fields collapse to
// underscore-joined keys) so the outer encoder can render them as a
// tabular array.
func Flatten(obj map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto(obj, "", out)
	return out
}

func flattenInto(obj map[string]any, prefix string, out map[string]any) {
	for _, k := range orderedKeys(obj) {
		v := obj[k]
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(val, key, out)
		case []any:
			out[key] = flattenList(val)
		default:
			out[key] = v
		}
	}
}

func flattenList(list []any) any {
	if len(list) == 0 {
		return []any{}
	}
	if _, ok := list[0].(map[string]any); ok {
		rows := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, Flatten(m))
			}
		}
		return rows
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, scalarString(item))
	}
	return strings.Join(parts, "|")
}

// orderedKeys returns obj's keys sorted lexically. Go maps have no
// inherent order, so first-appearance order cannot be recovered here;
// sorting is what makes the encoder's output deterministic.
func orderedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Encode renders a flattened object tree as TOON text.
func Encode(obj map[string]any) string {
	var b strings.Builder
	encodeObject(&b, obj, 0)
	return b.String()
}

func encodeObject(b *strings.Builder, obj map[string]any, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, k := range orderedKeys(obj) {
		v := obj[k]
		switch val := v.(type) {
		case []map[string]any:
			encodeTable(b, pad, k, val)
		case map[string]any:
			fmt.Fprintf(b, "%s%s:\n", pad, k)
			encodeObject(b, val, indent+1)
		default:
			fmt.Fprintf(b, "%s%s: %s\n", pad, k, scalarString(v))
		}
	}
}

func encodeTable(b *strings.Builder, pad, key string, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintf(b, "%s%s[0]{}:\n", pad, key)
		return
	}
	cols := orderedKeys(rows[0])
	fmt.Fprintf(b, "%s%s[%d]{%s}:\n", pad, key, len(rows), strings.Join(cols, ","))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = scalarString(row[c])
		}
		fmt.Fprintf(b, "%s  %s\n", pad, strings.Join(vals, ","))
	}
}

// Decode parses TOON text back into a tree equivalent to the one that was
// flattened and encoded (spec.md §8 round-trip law). It is intentionally
// forgiving: malformed lines are skipped rather than raising an error,
// because TOON bodies are advisory context for an LLM, not a strict wire
// protocol between trusted services.
func Decode(text string) map[string]any {
	lines := strings.Split(text, "\n")
	out := map[string]any{}
	decodeLines(lines, 0, -1, out)
	return out
}

// decodeLines parses sibling entries starting at `start` that share the
// indentation of the first non-blank line encountered, stopping (without
// consuming) the first line at a shallower indent. minIndent is the
// indentation the caller requires entries to match at or below -1 for the
// top level, which has no enclosing indent.
func decodeLines(lines []string, start, minIndent int, out map[string]any) int {
	i := start
	indentAtLevel := -1
	for i < len(lines) {
		raw := lines[i]
		trimmed := strings.TrimLeft(raw, " ")
		if trimmed == "" {
			i++
			continue
		}
		indent := len(raw) - len(trimmed)
		if indent <= minIndent {
			return i
		}
		if indentAtLevel == -1 {
			indentAtLevel = indent
		}
		if indent != indentAtLevel {
			return i
		}

		if strings.Contains(trimmed, "[") && strings.Contains(trimmed, "{") && strings.HasSuffix(strings.TrimRight(trimmed, " "), ":") {
			i = decodeTable(lines, i, out)
			continue
		}

		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			i++
			continue
		}
		key := trimmed[:colon]
		rest := strings.TrimSpace(trimmed[colon+1:])
		if rest == "" {
			child := map[string]any{}
			i = decodeLines(lines, i+1, indent, child)
			out[key] = child
			continue
		}
		out[key] = rest
		i++
	}
	return i
}

func decodeTable(lines []string, start int, out map[string]any) int {
	header := strings.TrimSpace(lines[start])
	openBracket := strings.Index(header, "[")
	closeBracket := strings.Index(header, "]")
	openBrace := strings.Index(header, "{")
	closeBrace := strings.Index(header, "}")
	if openBracket < 0 || closeBracket < 0 || openBrace < 0 || closeBrace < 0 {
		return start + 1
	}
	key := strings.TrimSpace(header[:openBracket])
	cols := strings.Split(header[openBrace+1:closeBrace], ",")

	rows := []map[string]any{}
	i := start + 1
	for i < len(lines) {
		raw := lines[i]
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			i++
			continue
		}
		if !strings.HasPrefix(raw, "  ") && !strings.HasPrefix(raw, "\t") {
			break
		}
		vals := strings.Split(trimmed, ",")
		row := map[string]any{}
		for idx, col := range cols {
			if idx < len(vals) {
				row[strings.TrimSpace(col)] = vals[idx]
			}
		}
		rows = append(rows, row)
		i++
	}
	out[key] = rows
	return i
}
