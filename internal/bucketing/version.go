package bucketing

import (
	"strconv"
	"strings"
)

// CompareVersions orders two Debian package versions using the dpkg
// comparison rules: numeric epoch, then upstream version, then revision, with
// '~' sorting before everything including the empty string.
func CompareVersions(a, b string) int {
	aEpoch, aRest := splitEpoch(a)
	bEpoch, bRest := splitEpoch(b)
	if aEpoch != bEpoch {
		if aEpoch < bEpoch {
			return -1
		}
		return 1
	}
	aUpstream, aRevision := splitRevision(aRest)
	bUpstream, bRevision := splitRevision(bRest)
	if c := verrevcmp(aUpstream, bUpstream); c != 0 {
		return c
	}
	return verrevcmp(aRevision, bRevision)
}

func splitEpoch(v string) (int, string) {
	i := strings.IndexByte(v, ':')
	if i < 0 {
		return 0, v
	}
	epoch, err := strconv.Atoi(v[:i])
	if err != nil {
		return 0, v
	}
	return epoch, v[i+1:]
}

func splitRevision(v string) (upstream, revision string) {
	i := strings.LastIndexByte(v, '-')
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// order gives the dpkg sort weight of a character within a non-digit span:
// '~' before end-of-string, end-of-string before letters, letters before
// everything else.
func order(c byte, ok bool) int {
	switch {
	case !ok:
		return 0
	case c == '~':
		return -1
	case isDigit(c):
		return 0
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return int(c)
	default:
		return int(c) + 256
	}
}

func verrevcmp(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			var ac, bc byte
			aok, bok := i < len(a), j < len(b)
			if aok {
				ac = a[i]
			}
			if bok {
				bc = b[j]
			}
			if d := order(ac, aok) - order(bc, bok); d != 0 {
				return d
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		firstDiff := 0
		for i < len(a) && j < len(b) && isDigit(a[i]) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}
