package sandbox

import "strings"

// FilterEnv keeps only allowlisted variables from environ ("KEY=value"
// entries). Everything else on the host stays on the host.
func FilterEnv(environ, allow []string) []string {
	if len(allow) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	var out []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allowed[key] {
			out = append(out, kv)
		}
	}
	return out
}
