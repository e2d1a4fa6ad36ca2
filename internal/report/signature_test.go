package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const pythonTraceback = "Traceback (most recent call last):\n" +
	"  File \"/usr/bin/foo\", line 1, in <module>\n" +
	"    sys.exit(1)"

func TestTracebackSignature(t *testing.T) {
	sig := TracebackSignature("/usr/bin/foo", pythonTraceback)
	assert.Equal(t, "/usr/bin/foo:    sys.exit(1):/usr/bin/foo@1", sig)
}

func TestTracebackSignatureMultipleFrames(t *testing.T) {
	tb := "Traceback (most recent call last):\n" +
		"  File \"/usr/bin/foo\", line 10, in <module>\n" +
		"    run()\n" +
		"  File \"/usr/lib/python3/bar.py\", line 20, in run\n" +
		"    raise ValueError\n" +
		"ValueError"
	sig := TracebackSignature("/usr/bin/foo", tb)
	assert.Equal(t, "/usr/bin/foo:ValueError:/usr/bin/foo@10:/usr/lib/python3/bar.py@20", sig)
}

func TestTracebackSignatureRejectsJunk(t *testing.T) {
	assert.Equal(t, "", TracebackSignature("/usr/bin/foo", "one line only"))
	assert.Equal(t, "", TracebackSignature("/usr/bin/foo", "two\nlines no frames"))
	assert.Equal(t, "", TracebackSignature("", pythonTraceback))
}

func TestStacktraceTopSignature(t *testing.T) {
	top := "raise () from /lib/i386-linux-gnu/libc.so.6\n" +
		"abort () from /lib/i386-linux-gnu/libc.so.6\n" +
		"g_assertion_message ()"
	sig := StacktraceTopSignature("/usr/bin/foo", "6", top)
	assert.Equal(t, "/usr/bin/foo:6:raise:abort:g_assertion_message", sig)
}

func TestStacktraceTopSignatureUnresolvedFrame(t *testing.T) {
	top := "raise () from /lib/libc.so.6\n?? ()"
	assert.Equal(t, "", StacktraceTopSignature("/usr/bin/foo", "11", top))
}

func TestStacktraceTopSignatureFrameLimit(t *testing.T) {
	var lines []string
	for _, fn := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		lines = append(lines, fn+" ()")
	}
	sig := StacktraceTopSignature("/usr/bin/foo", "11", strings.Join(lines, "\n"))
	assert.Equal(t, "/usr/bin/foo:11:a:b:c:d:e", sig)
}

func TestTruncateSignature(t *testing.T) {
	long := strings.Repeat("s", SignatureKeyLimit+100)
	assert.Len(t, TruncateSignature(long), SignatureKeyLimit)
	assert.Equal(t, "short", TruncateSignature("short"))
}
