package report

// PackageArch resolves the architecture a package was built for:
// architecture-independent packages take the system architecture, and the
// "unknown" placeholder some clients send collapses to empty.
func PackageArch(r *Report) string {
	arch := r.Get("PackageArchitecture")
	if arch == "all" {
		arch = r.Get("Architecture")
	}
	if arch == "unknown" {
		arch = ""
	}
	return arch
}

// CounterFields derives the list of counter keys a report contributes to: the
// release-anchored and release-free prefix joins of
// (release, package, version, architecture), each additionally emitted with a
// problem-type prefix. A chain stops at its first empty component.
func CounterFields(release, pkg, version, pkgArch, problemType string) []string {
	seen := map[string]bool{}
	var fields []string
	add := func(parts ...string) {
		joined := ""
		for _, p := range parts {
			if p == "" {
				return
			}
			if joined == "" {
				joined = p
			} else {
				joined += ":" + p
			}
			if !seen[joined] {
				seen[joined] = true
				fields = append(fields, joined)
			}
		}
	}
	add(release, pkg, version, pkgArch)
	add(pkg, version, pkgArch)

	if problemType != "" {
		base := len(fields)
		for _, f := range fields[:base] {
			tagged := problemType + ":" + f
			if !seen[tagged] {
				seen[tagged] = true
				fields = append(fields, tagged)
			}
		}
	}
	return fields
}
