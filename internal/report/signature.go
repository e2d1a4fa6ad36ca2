package report

import (
	"regexp"
	"strings"
)

var tracebackFilePattern = regexp.MustCompile(`^\s+File "([^"]+)", line (\d+)`)

// TracebackSignature computes the crash signature for an interpreted crash
// directly from its Traceback: the executable path, the raw final line, and
// one file@line element per stack frame. Returns "" when the traceback does
// not look like one.
func TracebackSignature(executablePath, traceback string) string {
	if executablePath == "" || traceback == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(traceback, "\n"), "\n")
	if len(lines) < 2 {
		return ""
	}
	var frames []string
	for _, line := range lines {
		if m := tracebackFilePattern.FindStringSubmatch(line); m != nil {
			frames = append(frames, m[1]+"@"+m[2])
		}
	}
	if len(frames) == 0 {
		return ""
	}
	sig := executablePath + ":" + lines[len(lines)-1]
	for _, frame := range frames {
		sig += ":" + frame
	}
	return sig
}

const signatureFrameLimit = 5

// StacktraceTopSignature computes the crash signature for a retraced binary
// crash from the symbolicated top of stack: executable path, signal number,
// and the top function names. Returns "" if any of the top frames could not
// be resolved to a function; such stacks cannot be grouped reliably.
func StacktraceTopSignature(executablePath, signal, stacktraceTop string) string {
	if executablePath == "" || signal == "" {
		return ""
	}
	sig := executablePath + ":" + signal
	count := 0
	for _, line := range strings.Split(stacktraceTop, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fn := line
		if i := strings.Index(line, " ("); i >= 0 {
			fn = line[:i]
		}
		if fn == "" || strings.Contains(fn, "??") {
			return ""
		}
		sig += ":" + fn
		count++
		if count == signatureFrameLimit {
			break
		}
	}
	if count == 0 {
		return ""
	}
	return sig
}

// SignatureKeyLimit is the storage key limit for bucket signatures, leaving
// headroom under the store's 64 KiB key ceiling for prefixes.
const SignatureKeyLimit = 32768

// TruncateSignature caps a signature at the storage key limit.
func TruncateSignature(sig string) string {
	if len(sig) <= SignatureKeyLimit {
		return sig
	}
	return sig[:SignatureKeyLimit]
}
