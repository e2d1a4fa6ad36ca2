// Package bucketing maintains the bucket a crash signature groups its OOPSes
// under: membership, per-day counters, version histograms and the metadata
// shown for each bucket. All helpers here are stateless and safe to replay;
// they are shared by the ingest handlers, the retracer and back-fill jobs.
package bucketing

import (
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/daisy-project/daisy/internal/report"
	"github.com/daisy-project/daisy/internal/repository"
)

// Releases outside this pattern (derivatives, custom images) still get
// buckets and counters, but do not update the metadata displayed on the
// landing page.
var metadataReleasePattern = regexp.MustCompile(`^Ubuntu \d\d\.\d\d$`)

// testingSystemPrefix identifies automated-test systems whose reports must
// not skew affected-system counts.
const testingSystemPrefix = "deadbeef"

type Maintainer struct {
	repo *repository.Repository
}

func New(repo *repository.Repository) *Maintainer {
	return &Maintainer{repo: repo}
}

// Bucket files an OOPS into the bucket for the given signature and fans out
// every counter and index derived from the report. The signature is truncated
// to the storage key limit first; callers must use the same truncation when
// they later look the bucket up.
func (m *Maintainer) Bucket(oopsID, signature string, rep *report.Report, ts time.Time) error {
	sig := report.TruncateSignature(signature)
	ts = ts.UTC()
	day := ts.Format("20060102")
	resolutions := []string{ts.Format("2006"), ts.Format("200601"), day}

	release := rep.Get("DistroRelease")
	pkg, version := report.SplitPackage(rep.Get("Package"))
	sourcePackage, _ := report.SplitPackage(rep.Get("SourcePackage"))
	pkgArch := report.PackageArch(rep)

	var result *multierror.Error

	if err := m.repo.AddToBucket(sig, oopsID); err != nil {
		// Without membership nothing else is worth recording.
		return err
	}
	if err := m.repo.AddDayBucket(day, sig); err != nil {
		result = multierror.Append(result, err)
	}

	fields := report.CounterFields(release, pkg, version, pkgArch, rep.Get("ProblemType"))
	for _, resolution := range resolutions {
		if err := m.repo.IncrementDayBucketsCount("", resolution, sig); err != nil {
			result = multierror.Append(result, err)
		}
		for _, field := range fields {
			if err := m.repo.IncrementDayBucketsCount(field, resolution, sig); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	system := rep.Get("SystemIdentifier")
	if system != "" && version != "" && !strings.HasPrefix(system, testingSystemPrefix) {
		if err := m.repo.AddBucketVersionSystem(sig, version, system); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if metadataReleasePattern.MatchString(release) {
		source := sourcePackage
		if source == "" {
			source = pkg
		}
		if err := m.UpdateBucketMetadata(sig, source, version, release); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if release != "" && version != "" {
		if err := m.repo.IncrementBucketVersionCount(sig, release, version); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if sourcePackage != "" && version != "" {
		if err := m.repo.AddSourceVersionBucket(sourcePackage, version, sig); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, err := m.repo.AddBucketHash(sig); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// UpdateBucketMetadata widens the FirstSeen/LastSeen version range for a
// bucket, globally and per release, overwriting only when the new version is
// strictly earlier or later under the package version comparator. Concurrent
// updates can briefly narrow the range; the window is bounded by the nightly
// reconciler.
func (m *Maintainer) UpdateBucketMetadata(sig, source, version, release string) error {
	existing, err := m.repo.GetBucketMetadata(sig)
	if err != nil {
		return err
	}
	updates := map[string]string{}
	if source != "" && existing["Source"] == "" {
		updates["Source"] = source
	}
	if version != "" {
		if widens(existing["FirstSeen"], version, -1) {
			updates["FirstSeen"] = version
			updates["FirstSeenRelease"] = release
		}
		if widens(existing["LastSeen"], version, 1) {
			updates["LastSeen"] = version
			updates["LastSeenRelease"] = release
		}
		releasePrefix := "~" + release + ":"
		if widens(existing[releasePrefix+"FirstSeen"], version, -1) {
			updates[releasePrefix+"FirstSeen"] = version
		}
		if widens(existing[releasePrefix+"LastSeen"], version, 1) {
			updates[releasePrefix+"LastSeen"] = version
		}
	}
	return m.repo.PutBucketMetadata(sig, updates)
}

func widens(current, candidate string, direction int) bool {
	if current == "" {
		return true
	}
	c := CompareVersions(candidate, current)
	if direction < 0 {
		return c < 0
	}
	return c > 0
}
