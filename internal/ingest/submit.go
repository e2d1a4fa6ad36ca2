package ingest

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/daisy-project/daisy/internal/common/daisyerrors"
	"github.com/daisy-project/daisy/internal/report"
)

const submittedResponse = "Crash report successfully submitted."

// whoopsieVersionHeader is set by the client daemon; it labels the
// missing-token counter so client regressions show up per version.
const whoopsieVersionHeader = "X-Whoopsie-Version"

const defaultReportSizeLimit = 4 << 20

// Fields whose pre-retrace values become useless once a signature is known.
var droppedOnBucket = []string{"Disassembly", "ProcMaps", "ProcStatus", "Registers", "StacktraceTop"}

// Submit accepts one crash report. The response tells the client what to do
// next: "<oops> CORE" asks for a core-dump upload, anything else ends the
// conversation.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if s.blockedSystems[token] {
		rejectedReports.WithLabelValues("blocked_system").Inc()
		writeError(w, &daisyerrors.ErrBlockedSystem{SystemToken: token})
		return
	}
	if !systemTokenPattern.MatchString(token) {
		token = ""
	}

	limit := s.config.ReportSizeLimitBytes
	if limit <= 0 {
		limit = defaultReportSizeLimit
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		rejectedReports.WithLabelValues("oversized_body").Inc()
		writeError(w, &daisyerrors.ErrInvalidReport{Reason: "report body too large"})
		return
	}
	rep, err := report.Decode(body)
	if err != nil {
		rejectedReports.WithLabelValues("invalid_body").Inc()
		writeError(w, &daisyerrors.ErrInvalidReport{Reason: "could not decode report"})
		return
	}

	response, err := s.processReport(rep, token, r.Header.Get(whoopsieVersionHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, response)
}

func (s *Server) processReport(rep *report.Report, token, whoopsieVersion string) (string, error) {
	now := s.clock().UTC()
	day := now.Format("20060102")

	if rep.Has("KernelCrash") || rep.Has("VmCore") {
		rejectedReports.WithLabelValues("kernel_crash").Inc()
		return "", &daisyerrors.ErrInvalidReport{Reason: "kernel crash reports are not handled"}
	}
	if rep.Empty() {
		rejectedReports.WithLabelValues("empty").Inc()
		return "", &daisyerrors.ErrInvalidReport{Reason: "empty report"}
	}

	if token != "" {
		rep.Set("SystemIdentifier", token)
	} else {
		missingSystemToken.WithLabelValues(whoopsieVersion).Inc()
	}

	release := rep.Get("DistroRelease")
	if s.eolReleases[release] {
		rejectedReports.WithLabelValues("eol_release").Inc()
		return "", &daisyerrors.ErrInvalidReport{Reason: release + " is End of Life"}
	}
	if rep.Get("Architecture") == "armel" {
		rejectedReports.WithLabelValues("obsolete_architecture").Inc()
		return "", &daisyerrors.ErrInvalidReport{Reason: "armel is obsolete"}
	}

	crashHash := ""
	if token != "" && rep.Has("Date") && rep.Has("ExecutablePath") && rep.Has("ProcStatus") {
		crashHash = report.CrashHash(rep.Get("Date"), rep.Get("ExecutablePath"), rep.Get("ProcStatus"))
		seen, err := s.repo.HasCrashHash(token, crashHash)
		if err != nil {
			return "", unavailable(err)
		}
		if seen {
			rejectedReports.WithLabelValues("duplicate").Inc()
			return "", &daisyerrors.ErrDuplicateReport{SystemToken: token}
		}
	}

	pkgField := report.StripNonASCII(rep.Get("Package"))
	pkg, version := report.SplitPackage(pkgField)
	if pkg == "" {
		rejectedReports.WithLabelValues("no_package").Inc()
		return "", &daisyerrors.ErrInvalidReport{Reason: "report has no Package field"}
	}
	// The stored row carries the normalised names so readers never see the
	// control bytes some clients embed.
	rep.Set("Package", pkgField)
	if src := rep.Get("SourcePackage"); src != "" {
		rep.Set("SourcePackage", report.StripNonASCII(src))
	}

	if strings.HasSuffix(rep.Get("ExecutablePath"), "apportcheckresume") && resumeFailure(rep.Get("Failure")) {
		if release == s.config.BrokenResumeRelease &&
			strings.HasPrefix(rep.Get("ApportVersion"), s.config.BrokenResumeApportVersion) {
			rejectedReports.WithLabelValues("broken_resume").Inc()
			return "", &daisyerrors.ErrInvalidReport{Reason: "resume failure reports from this apport version are not accepted"}
		}
		// Resume failures carry a ProcMaps of the whole suspend image.
		rep.Delete("ProcMaps")
	}

	if s.discardProblemTypes[rep.Get("ProblemType")] {
		acceptedReports.WithLabelValues("discarded").Inc()
		return submittedResponse, nil
	}

	rep.Delete("Stacktrace")
	rep.Delete("ThreadStacktrace")
	if rep.Has("Traceback") {
		rep.Delete("ProcMaps")
	}
	if journal := rep.Get("JournalErrors"); journal != "" {
		rep.Set("JournalErrors", report.LastLines(journal, 50))
	}

	oopsUUID, err := uuid.NewUUID()
	if err != nil {
		return "", errors.Wrap(err, "minting OOPS id")
	}
	oopsID := oopsUUID.String()

	if err := s.repo.InsertOops(oopsID, rep.Fields(), day, now); err != nil {
		return "", unavailable(err)
	}
	if crashHash != "" {
		if err := s.repo.AddCrashHash(token, crashHash); err != nil {
			log.WithError(err).Warn("could not record crash hash")
		}
	}
	if !strings.HasPrefix(token, "deadbeef") {
		fields := report.CounterFields(release, pkg, version, report.PackageArch(rep), rep.Get("ProblemType"))
		proposed := strings.Contains(rep.Get("Tags"), "package-from-proposed")
		if err := s.repo.IncrementCounters(fields, day, proposed); err != nil {
			log.WithError(err).Warn("could not update daily counters")
		}
	}

	return s.bucketDecision(oopsID, rep, now, day, release, pkgField)
}

// bucketDecision files a freshly inserted OOPS into a bucket when a signature
// is already derivable, or decides whether the client should upload a core
// dump so the retracer can produce one.
func (s *Server) bucketDecision(oopsID string, rep *report.Report, now time.Time, day, release, pkgField string) (string, error) {
	oopsResponse := oopsID + " OOPSID"

	if dup := rep.Get("DuplicateSignature"); dup != "" {
		if err := s.buckets.Bucket(oopsID, dup, rep, now); err != nil {
			return "", unavailable(err)
		}
		acceptedReports.WithLabelValues("bucketed").Inc()
		return oopsResponse, nil
	}

	if traceback := rep.Get("Traceback"); traceback != "" {
		sig := report.TracebackSignature(rep.Get("ExecutablePath"), traceback)
		if sig == "" {
			acceptedReports.WithLabelValues("unparseable_traceback").Inc()
			return oopsResponse, nil
		}
		if err := s.buckets.Bucket(oopsID, sig, rep, now); err != nil {
			return "", unavailable(err)
		}
		acceptedReports.WithLabelValues("bucketed").Inc()
		return oopsResponse, nil
	}

	if rep.Has("StacktraceTop") && rep.Has("Signal") {
		sas := rep.Get("StacktraceAddressSignature")
		if sas != "" {
			sig, known, err := s.repo.SignatureForSAS(sas)
			if err != nil {
				return "", unavailable(err)
			}
			if known {
				failed := strings.HasPrefix(sig, "failed:")
				full, err := s.repo.HasFullStacktrace(sas)
				if err != nil {
					return "", unavailable(err)
				}
				// Ask for another core when the signature exists but the
				// full stacktrace never landed, or when a failed retrace is
				// worth retrying now that newer debug symbols exist.
				retry := (!failed && !full) ||
					(failed && rep.Get("Architecture") == "amd64" && s.retryFailedReleases[release])
				if !retry {
					if err := s.repo.DeleteOopsFields(oopsID, droppedOnBucket...); err != nil {
						log.WithError(err).Warn("could not drop pre-retrace fields")
					}
					if err := s.buckets.Bucket(oopsID, sig, rep, now); err != nil {
						return "", unavailable(err)
					}
					acceptedReports.WithLabelValues("bucketed").Inc()
					return oopsResponse, nil
				}
			}
		}

		if !s.retraceableRelease(release) || !s.retraceablePackage(pkgField) ||
			strings.Contains(pkgField, "(not installed)") {
			acceptedReports.WithLabelValues("not_retraceable").Inc()
			return oopsResponse, nil
		}
		if sas == "" {
			// Apport could not read the core, so a fresh upload would be
			// just as unusable.
			acceptedReports.WithLabelValues("no_address_signature").Inc()
			return oopsResponse, nil
		}
		if err := s.repo.AddAwaitingRetrace(sas, oopsID); err != nil {
			return "", unavailable(err)
		}
		retracing, err := s.repo.IsRetracing(sas)
		if err != nil {
			return "", unavailable(err)
		}
		if retracing {
			// A core for this SAS is already on its way from another
			// client; this OOPS picks up the signature when it lands.
			acceptedReports.WithLabelValues("awaiting_retrace").Inc()
			return oopsResponse, nil
		}
		acceptedReports.WithLabelValues("core_requested").Inc()
		return oopsID + " CORE", nil
	}

	if err := s.repo.AddCouldNotBucket(day, oopsID); err != nil {
		log.WithError(err).Warn("could not record unbucketable OOPS")
	}
	acceptedReports.WithLabelValues("could_not_bucket").Inc()
	return oopsResponse, nil
}

// resumeFailure reports whether a Failure field marks a suspend or resume
// failure. Other apportcheckresume outcomes keep their fields untouched.
func resumeFailure(failure string) bool {
	switch failure {
	case "suspend/resume", "suspend", "resume":
		return true
	}
	return false
}

func unavailable(err error) error {
	log.WithError(err).Error("store operation failed")
	return &daisyerrors.ErrUnavailable{Message: "temporarily unable to process crash reports"}
}
