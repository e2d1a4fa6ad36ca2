package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDecode(t *testing.T) {
	body, err := bson.Marshal(bson.D{
		{Key: "ProblemType", Value: "Crash"},
		{Key: "Package", Value: "whoopsie 1.2.3"},
		{Key: "ProcMaps", Value: []byte{0x00, 0x01, 0x02}},
		{Key: "UserGroups", Value: int32(4)},
	})
	require.NoError(t, err)

	r, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "Crash", r.Get("ProblemType"))
	assert.Equal(t, "whoopsie 1.2.3", r.Get("Package"))
	assert.Equal(t, "\x00\x01\x02", r.Get("ProcMaps"))
	assert.Equal(t, "4", r.Get("UserGroups"))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("definitely not bson"))
	assert.Error(t, err)
}

func TestDecodeEmptyDocument(t *testing.T) {
	body, err := bson.Marshal(bson.D{})
	require.NoError(t, err)
	r, err := Decode(body)
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestSplitPackage(t *testing.T) {
	for _, tc := range []struct {
		field, name, version string
	}{
		{"whoopsie 1.2.3", "whoopsie", "1.2.3"},
		{"whoopsie", "whoopsie", ""},
		{"foo 1.2 [origin: LP-PPA-ci-train-ppa-service]", "foo", "1.2"},
		{"b\xc3\xa4d 1.0", "bd", "1.0"},
		{"", "", ""},
	} {
		name, version := SplitPackage(tc.field)
		assert.Equal(t, tc.name, name, tc.field)
		assert.Equal(t, tc.version, version, tc.field)
	}
}

func TestPackageOrigin(t *testing.T) {
	assert.Equal(t, "", PackageOrigin("whoopsie 1.2.3"))
	assert.Equal(t, "Ubuntu RTM", PackageOrigin("foo 1.0 [origin: Ubuntu RTM]"))
}

func TestNormalizeStored(t *testing.T) {
	fields := map[string]string{
		"Package":  "whoopsie\x001.2\xff",
		"ProcMaps": "\x00\xff\xfe",
	}
	out := NormalizeStored(fields)
	assert.Equal(t, "whoopsie1.2", out["Package"])
	// Non-allow-listed fields stay opaque.
	assert.Equal(t, "\x00\xff\xfe", out["ProcMaps"])
}

func TestCrashHashStable(t *testing.T) {
	a := CrashHash("Sat Jan  1 00:00:00 2022", "/usr/bin/foo", "Name: foo")
	b := CrashHash("Sat Jan  1 00:00:00 2022", "/usr/bin/foo", "Name: foo")
	c := CrashHash("Sat Jan  1 00:00:01 2022", "/usr/bin/foo", "Name: foo")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestLastLines(t *testing.T) {
	in := strings.Repeat("x\n", 100)
	out := LastLines(in, 50)
	assert.Len(t, strings.Split(out, "\n"), 50)
	assert.Equal(t, "a\nb", LastLines("a\nb", 50))
}

func TestCounterFields(t *testing.T) {
	fields := CounterFields("Ubuntu 24.04", "whoopsie", "1.2.3", "amd64", "Crash")
	assert.Contains(t, fields, "Ubuntu 24.04")
	assert.Contains(t, fields, "Ubuntu 24.04:whoopsie")
	assert.Contains(t, fields, "Ubuntu 24.04:whoopsie:1.2.3")
	assert.Contains(t, fields, "Ubuntu 24.04:whoopsie:1.2.3:amd64")
	assert.Contains(t, fields, "whoopsie")
	assert.Contains(t, fields, "whoopsie:1.2.3")
	assert.Contains(t, fields, "Crash:Ubuntu 24.04:whoopsie:1.2.3")
	assert.Contains(t, fields, "Crash:whoopsie")
}

func TestCounterFieldsStopAtEmptyComponent(t *testing.T) {
	fields := CounterFields("Ubuntu 24.04", "", "1.2.3", "amd64", "")
	assert.Equal(t, []string{"Ubuntu 24.04"}, fields)
}

func TestCounterFieldsNoRelease(t *testing.T) {
	fields := CounterFields("", "whoopsie", "1.2.3", "", "")
	assert.Equal(t, []string{"whoopsie", "whoopsie:1.2.3"}, fields)
}
