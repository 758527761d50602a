package stage2

import "strings"

// parseStaticTarget splits a User.Type=="static" target string of the form
// "<target>;k1=v1;k2=v2;..." into the dial target and its extra message
// parameters.
func parseStaticTarget(staticTarget string) (target string, params map[string]string, ok bool) {
	parts := strings.Split(staticTarget, ";")
	params = make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return "", nil, false
		}
		params[key] = value
	}
	return parts[0], params, true
}
