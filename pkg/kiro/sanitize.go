// Package kiro implements the CodeWhisperer streaming path: request
// translation, AWS event-stream decoding, Anthropic SSE re-framing, account
// round-robin, and per-session debug dumps. It is the highest-concurrency
// route in the proxy and avoids every per-request global lock.
package kiro

import "strings"

// SanitizeToolSchema removes every property whose key starts with '$' from a
// JSON Schema tree and drops matching entries from "required". The walk
// recurses through properties, items, additionalProperties, and the
// anyOf/allOf/oneOf combinators. The function is idempotent: sanitising an
// already-clean schema reproduces it unchanged.
func SanitizeToolSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeSchemaNode(schema)
}

func sanitizeSchemaNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}

	var removed []string
	if props, ok := node["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for key, sub := range props {
			if strings.HasPrefix(key, "$") {
				removed = append(removed, key)
				continue
			}
			if subMap, ok := sub.(map[string]any); ok {
				cleaned[key] = sanitizeSchemaNode(subMap)
			} else {
				cleaned[key] = sub
			}
		}
		out["properties"] = cleaned
	}

	if required, ok := node["required"].([]any); ok && len(removed) > 0 {
		kept := make([]any, 0, len(required))
		for _, r := range required {
			name, _ := r.(string)
			if !containsString(removed, name) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(out, "required")
		} else {
			out["required"] = kept
		}
	}

	for _, key := range []string{"items", "additionalProperties"} {
		if sub, ok := node[key].(map[string]any); ok {
			out[key] = sanitizeSchemaNode(sub)
		}
	}

	for _, key := range []string{"anyOf", "allOf", "oneOf"} {
		list, ok := node[key].([]any)
		if !ok {
			continue
		}
		cleaned := make([]any, len(list))
		for i, item := range list {
			if sub, ok := item.(map[string]any); ok {
				cleaned[i] = sanitizeSchemaNode(sub)
			} else {
				cleaned[i] = item
			}
		}
		out[key] = cleaned
	}

	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
