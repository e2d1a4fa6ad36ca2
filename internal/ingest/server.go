// Package ingest implements the public HTTP surface of the crash database:
// report submission, core-dump submission and the health endpoint. Handlers
// validate and normalise what clients send, write the OOPS row and its
// indexes, and decide whether the client should upload a core dump for
// retracing.
package ingest

import (
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/daisy-project/daisy/internal/blobstore"
	"github.com/daisy-project/daisy/internal/bucketing"
	"github.com/daisy-project/daisy/internal/common/daisyerrors"
	"github.com/daisy-project/daisy/internal/configuration"
	"github.com/daisy-project/daisy/internal/queue"
	"github.com/daisy-project/daisy/internal/report"
	"github.com/daisy-project/daisy/internal/repository"
)

// retraceableReleasePattern matches the releases we keep debug symbols for.
// Matching releases are still subject to the end-of-life set.
var retraceableReleasePattern = regexp.MustCompile(`^Ubuntu( RTM| Kylin)? \d\d\.\d\d$`)

var systemTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{128}$`)

type Server struct {
	config  configuration.IngestConfig
	repo    *repository.Repository
	buckets *bucketing.Maintainer
	pool    *blobstore.Pool
	queue   queue.Publisher

	eolReleases         map[string]bool
	retryFailedReleases map[string]bool
	discardProblemTypes map[string]bool
	blockedSystems      map[string]bool
	allowedOrigins      map[string]bool
	retraceableArchs    map[string]bool

	clock func() time.Time
}

func NewServer(
	config configuration.IngestConfig,
	repo *repository.Repository,
	buckets *bucketing.Maintainer,
	pool *blobstore.Pool,
	publisher queue.Publisher,
) *Server {
	return &Server{
		config:              config,
		repo:                repo,
		buckets:             buckets,
		pool:                pool,
		queue:               publisher,
		eolReleases:         toSet(config.EndOfLifeReleases),
		retryFailedReleases: toSet(config.RetryFailedReleases),
		discardProblemTypes: toSet(config.DiscardProblemTypes),
		blockedSystems:      toSet(config.BlockedSystems),
		allowedOrigins:      toSet(config.AllowedOrigins),
		retraceableArchs:    toSet(config.RetraceableArchitectures),
		clock:               time.Now,
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func (s *Server) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/healthz", s.Healthz)
	router.Post("/", s.Submit)
	router.Post("/{token}", s.Submit)
	router.Post("/{oops}/submit-core/{arch}/{token}", s.SubmitCore)
	return router
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(); err != nil {
		log.WithError(err).Error("health check failed")
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) retraceableRelease(release string) bool {
	return retraceableReleasePattern.MatchString(release) && !s.eolReleases[release]
}

// retraceablePackage rejects packages from third-party origins; only packages
// with no origin annotation, or from an explicitly allowed origin, have debug
// symbols in the retracer sandboxes.
func (s *Server) retraceablePackage(packageField string) bool {
	origin := report.PackageOrigin(packageField)
	if origin == "" {
		return true
	}
	return s.allowedOrigins[origin]
}

func writeError(w http.ResponseWriter, err error) {
	code := daisyerrors.CodeFromError(err)
	if code >= 500 {
		log.WithError(err).Error("request failed")
	}
	http.Error(w, err.Error(), code)
}

func respond(w http.ResponseWriter, body string) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
