package ingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/daisy-project/daisy/internal/blobstore"
	"github.com/daisy-project/daisy/internal/common/daisyerrors"
	"github.com/daisy-project/daisy/internal/queue"
)

// SubmitCore accepts the core dump a client was asked to upload. The body is
// streamed to the blob store as-is; decompression happens on the retracer
// host, not here.
func (s *Server) SubmitCore(w http.ResponseWriter, r *http.Request) {
	oopsID := chi.URLParam(r, "oops")
	arch := chi.URLParam(r, "arch")
	token := chi.URLParam(r, "token")

	if s.blockedSystems[token] {
		writeError(w, &daisyerrors.ErrBlockedSystem{SystemToken: token})
		return
	}
	if !s.retraceableArchs[arch] {
		writeError(w, &daisyerrors.ErrInvalidReport{Reason: "cores are not accepted for architecture " + arch})
		return
	}

	fields, found, err := s.repo.GetOops(oopsID)
	if err != nil {
		writeError(w, unavailable(err))
		return
	}
	if !found || fields["SystemIdentifier"] == "" {
		// The OOPS row is not visible yet, or the report never carried a
		// system token. Rejecting here means the next client reporting the
		// same SAS gets asked for a core instead.
		writeError(w, &daisyerrors.ErrNotFound{Type: "OOPS", Value: oopsID})
		return
	}

	provider, err := s.pool.Put(r.Context(), oopsID, r.Body)
	if err != nil {
		if err == blobstore.ErrOverQuota {
			coresDropped.WithLabelValues(arch).Inc()
		}
		log.WithError(err).Error("could not store core dump")
		http.Error(w, "core dump not stored", http.StatusInternalServerError)
		return
	}

	submitted := s.clock().UTC()
	job := queue.EncodeJob(oopsID, provider)
	if err := s.queue.Publish(r.Context(), queue.RetraceTopic(arch), job, submitted); err != nil {
		// The blob without a queue message would never be retraced.
		if p, ok := s.pool.Provider(provider); ok {
			_ = p.Delete(r.Context(), oopsID)
		}
		writeError(w, unavailable(err))
		return
	}

	if sas := fields["StacktraceAddressSignature"]; sas != "" {
		if err := s.repo.AddRetracing(sas); err != nil {
			log.WithError(err).Warn("could not mark SAS as retracing")
		}
	}

	coresReceived.WithLabelValues(arch).Inc()
	respond(w, oopsID)
}
