package config

import (
	"strings"
)

// secretKeys maps each secret dot-separated key to the function that masks
// its value for display.
var secretKeys = map[string]func(string) string{
	"token":                 maskTail,
	"cookie":                maskCookie,
	"notify.telegram.token": maskBotToken,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[key]
	return ok
}

// Flatten turns nested config maps into dot-separated keys, so
// {"notify": {"telegram": {"chat_id": 1}}} becomes {"notify.telegram.chat_id": 1}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(out, k, child)
			continue
		}
		out[k] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar standing where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		path := strings.Split(k, ".")
		section := out
		for _, name := range path[:len(path)-1] {
			next, ok := section[name].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[name] = next
			}
			section = next
		}
		section[path[len(path)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with credential values masked. Empty
// and non-string values are copied as they are.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		mask, secret := secretKeys[k]
		if s, ok := v.(string); secret && ok && s != "" {
			out[k] = mask(s)
		}
	}
	return out
}

// maskTail keeps the last four characters of a long enough token.
func maskTail(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// maskCookie keeps cookie names so the user can tell which session is set.
func maskCookie(s string) string {
	pairs := strings.Split(s, ";")
	for i, p := range pairs {
		name, _, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found {
			pairs[i] = "***"
			continue
		}
		pairs[i] = name + "=***"
	}
	return strings.Join(pairs, "; ")
}

// maskBotToken keeps the bot id in front of the colon; it is public.
func maskBotToken(s string) string {
	id, _, found := strings.Cut(s, ":")
	if !found {
		return maskTail(s)
	}
	return id + ":***"
}
