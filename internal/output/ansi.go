// Package output renders execution results, session listings, and
// history for both machine consumers (the documented JSON contract)
// and humans.
package output

import "regexp"

// ansiRe matches CSI sequences (colors, cursor movement), OSC
// sequences (terminated by BEL or ST), and lone two-byte escapes.
// IPython colorizes tracebacks; the JSON contract carries plain text.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-_]`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func stripAll(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = StripANSI(l)
	}
	return out
}
