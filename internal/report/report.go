// Package report models a submitted crash report: a flat mapping from field
// name to textual value, decoded from the BSON document the crash reporter
// posts.
package report

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Report is one crash report. Values are kept as raw strings; historical rows
// carry inconsistent encodings, so stored values are only normalised to text
// for fields in TextFields (see NormalizeStored).
type Report struct {
	fields map[string]string
}

func New() *Report {
	return &Report{fields: map[string]string{}}
}

// Decode parses a binary-serialised report body. Field values may be BSON
// strings, binary blobs, integers, doubles or booleans; anything else is
// skipped rather than rejected, because old clients have shipped surprising
// encodings.
func Decode(body []byte) (*Report, error) {
	raw := bson.Raw(body)
	if err := raw.Validate(); err != nil {
		return nil, errors.Wrap(err, "malformed report document")
	}
	elements, err := raw.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "malformed report document")
	}
	r := New()
	for _, element := range elements {
		key, err := element.KeyErr()
		if err != nil {
			return nil, errors.Wrap(err, "malformed report document")
		}
		value := element.Value()
		switch value.Type {
		case bsontype.String:
			r.fields[key] = value.StringValue()
		case bsontype.Binary:
			_, data := value.Binary()
			r.fields[key] = string(data)
		case bsontype.Int32:
			r.fields[key] = strconv.FormatInt(int64(value.Int32()), 10)
		case bsontype.Int64:
			r.fields[key] = strconv.FormatInt(value.Int64(), 10)
		case bsontype.Double:
			r.fields[key] = strconv.FormatFloat(value.Double(), 'g', -1, 64)
		case bsontype.Boolean:
			r.fields[key] = strconv.FormatBool(value.Boolean())
		}
	}
	return r, nil
}

// FromFields builds a report from already-stored column values.
func FromFields(fields map[string]string) *Report {
	r := New()
	for k, v := range fields {
		r.fields[k] = v
	}
	return r
}

func (r *Report) Get(name string) string {
	return r.fields[name]
}

func (r *Report) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

func (r *Report) Set(name, value string) {
	r.fields[name] = value
}

func (r *Report) Delete(name string) {
	delete(r.fields, name)
}

func (r *Report) Empty() bool {
	return len(r.fields) == 0
}

// Fields returns a copy of the field map suitable for storage.
func (r *Report) Fields() map[string]string {
	out := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// TextFields is the allow-list of report fields that are normalised to valid
// text when read back from the store. Everything else stays opaque bytes.
var TextFields = map[string]bool{
	"Package":                     true,
	"SourcePackage":               true,
	"PackageVersion":              true,
	"DistroRelease":               true,
	"ExecutablePath":              true,
	"InterpreterPath":             true,
	"Architecture":                true,
	"PackageArchitecture":         true,
	"ProblemType":                 true,
	"Date":                        true,
	"Signal":                      true,
	"StacktraceTop":               true,
	"Traceback":                   true,
	"DuplicateSignature":          true,
	"StacktraceAddressSignature":  true,
	"SystemIdentifier":            true,
	"ApportVersion":               true,
	"Tags":                        true,
	"Failure":                     true,
	"RetraceStatus":               true,
	"RetraceFailureReason":        true,
	"RetraceOutdatedPackages":     true,
	"RetraceFailureMissingDebugSymbols": true,
	"RetraceAttempts":             true,
}

// NormalizeStored cleans up column values read back from the store: fields in
// the allow-list are coerced to valid UTF-8 with NULs stripped, everything
// else is returned untouched.
func NormalizeStored(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if TextFields[k] {
			v = strings.ToValidUTF8(strings.ReplaceAll(v, "\x00", ""), "")
		}
		out[k] = v
	}
	return out
}

// StripNonASCII removes every byte outside the printable ASCII range.
func StripNonASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x20 && s[i] < 0x7f {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// SplitPackage splits a package field of the form
// "name version [origin: somewhere]" into name and version. Non-ASCII bytes
// are stripped first; some clients have submitted packages with embedded
// control characters.
func SplitPackage(field string) (name, version string) {
	field = strings.TrimSpace(StripNonASCII(field))
	parts := strings.SplitN(field, " ", 3)
	name = parts[0]
	if len(parts) > 1 {
		version = parts[1]
	}
	return name, version
}

var originPattern = regexp.MustCompile(`\[origin: ([^\]]+)\]`)

// PackageOrigin extracts the origin annotation from a raw package field, or
// returns "" when the package comes straight from the archive.
func PackageOrigin(field string) string {
	m := originPattern.FindStringSubmatch(field)
	if m == nil {
		return ""
	}
	return m[1]
}

// CrashHash is the duplicate-submission hash recorded per system.
func CrashHash(date, executablePath, procStatus string) string {
	sum := md5.Sum([]byte(date + executablePath + procStatus))
	return hex.EncodeToString(sum[:])
}

// LastLines returns at most n trailing lines of s. Used to truncate
// JournalErrors, which some systems submit in megabytes.
func LastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
