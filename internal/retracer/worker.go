// Package retracer consumes core-dump jobs from the per-architecture queue,
// runs them through the symbolicator sandbox and writes the resulting
// signature, stacktraces and buckets back to the store. One worker process
// runs per architecture per host; a job moves through
// received/fetched/decompressed/symbolicated and ends resolved, failed,
// requeued or dropped.
package retracer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/daisy-project/daisy/internal/blobstore"
	"github.com/daisy-project/daisy/internal/bucketing"
	"github.com/daisy-project/daisy/internal/common/compress"
	"github.com/daisy-project/daisy/internal/configuration"
	"github.com/daisy-project/daisy/internal/queue"
	"github.com/daisy-project/daisy/internal/report"
	"github.com/daisy-project/daisy/internal/repository"
)

const (
	defaultMessageMaxAge      = 8 * 24 * time.Hour
	defaultMaxRetraceAttempts = 2
)

// Fields that only exist to make retracing possible; once a signature is
// known they are dead weight on the OOPS row.
var intermediateFields = []string{"Disassembly", "ProcMaps", "ProcStatus", "Registers", "StacktraceTop"}

type Worker struct {
	config       configuration.RetracerConfig
	repo         *repository.Repository
	buckets      *bucketing.Maintainer
	pool         *blobstore.Pool
	publisher    queue.Publisher
	consumer     queue.Consumer
	symbolicator Symbolicator

	clock func() time.Time
}

func NewWorker(
	config configuration.RetracerConfig,
	repo *repository.Repository,
	buckets *bucketing.Maintainer,
	pool *blobstore.Pool,
	publisher queue.Publisher,
	consumer queue.Consumer,
	symbolicator Symbolicator,
) *Worker {
	return &Worker{
		config:       config,
		repo:         repo,
		buckets:      buckets,
		pool:         pool,
		publisher:    publisher,
		consumer:     consumer,
		symbolicator: symbolicator,
		clock:        time.Now,
	}
}

// Run consumes jobs until the context is cancelled. The job in flight when
// cancellation arrives is allowed to finish; its message is acked or left for
// redelivery by the normal outcome rules.
func (w *Worker) Run(ctx context.Context) error {
	w.writePidFile()
	defer w.removePidFile()

	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.Process(ctx, delivery)
	}
}

// Process runs one job to a terminal state. Every path either acks, nacks or
// deliberately leaves the message unacked (shutdown mid-symbolication).
func (w *Worker) Process(ctx context.Context, delivery *queue.Delivery) {
	oopsID, provider, err := queue.DecodeJob(delivery.Body)
	if err != nil {
		log.WithError(err).Error("dropping malformed retrace job")
		w.count("malformed")
		delivery.Ack()
		return
	}
	logger := log.WithFields(log.Fields{"oops": oopsID, "provider": provider})

	now := w.clock().UTC()
	tooOld := delivery.Timestamp.IsZero() || now.Sub(delivery.Timestamp) > w.messageMaxAge()

	fields, found, err := w.repo.GetOops(oopsID)
	if err != nil {
		logger.WithError(err).Error("store lookup failed, requeueing")
		delivery.Nack()
		return
	}
	if !found {
		if tooOld {
			// The row never became visible; the core is unusable.
			w.deleteBlob(ctx, provider, oopsID)
			w.count("dropped")
			delivery.Ack()
			return
		}
		// Eventual consistency: the insert may not be visible yet.
		delivery.Nack()
		return
	}
	if fields["RetraceFailureReason"] != "" || fields["RetraceOutdatedPackages"] != "" {
		// Already marked by an earlier second-pass worker.
		delivery.Ack()
		return
	}

	store, ok := w.pool.Provider(provider)
	if !ok {
		logger.Errorf("unknown blob provider %q", provider)
		delivery.Ack()
		return
	}
	blob, err := store.Get(ctx, oopsID)
	if err == blobstore.ErrNotFound {
		// The next report with this SAS triggers a fresh core request.
		w.count("missing_blob")
		delivery.Ack()
		return
	}
	if err != nil {
		logger.WithError(err).Error("blob fetch failed, requeueing")
		delivery.Nack()
		return
	}

	corePath, err := compress.DecodeCoreToFile(blob, "", "core-"+oopsID+"-*")
	blob.Close()
	if err != nil {
		logger.WithError(err).Info("core did not decompress, dropping")
		w.deleteBlob(ctx, provider, oopsID)
		w.count("invalid_core")
		delivery.Ack()
		return
	}
	defer os.Remove(corePath)

	valid, err := w.symbolicator.CheckCore(ctx, corePath)
	if err != nil {
		logger.WithError(err).Error("core probe failed, requeueing")
		delivery.Nack()
		return
	}
	if !valid {
		w.deleteBlob(ctx, provider, oopsID)
		w.count("invalid_core")
		delivery.Ack()
		return
	}

	result, err := w.symbolicator.Retrace(ctx, Job{OopsID: oopsID, CorePath: corePath, Fields: fields})
	if err != nil {
		logger.WithError(err).Error("symbolication could not run, requeueing")
		delivery.Nack()
		return
	}

	switch result.Kind {
	case KindInterrupted:
		// Shutdown took the tool down; leave the message unacked so
		// another worker picks it up.
		logger.Info("symbolication interrupted by shutdown")
	case KindTransient:
		w.requeue(ctx, delivery, tooOld, provider, oopsID)
	case KindUnretraceable:
		w.markUnretraceable(ctx, delivery, oopsID, provider, fields, result, now)
	case KindResolved:
		w.resolveOrRetry(ctx, delivery, oopsID, provider, fields, result, tooOld, now)
	case KindFailed:
		w.fail(ctx, delivery, oopsID, provider, fields, result, now)
	}
}

// resolveOrRetry handles a run that produced output. An empty signature with
// an original SAS is a known upstream tool bug and is retried a bounded
// number of times before being treated as a failure.
func (w *Worker) resolveOrRetry(ctx context.Context, delivery *queue.Delivery, oopsID, provider string, fields map[string]string, result *Result, tooOld bool, now time.Time) {
	sas := fields["StacktraceAddressSignature"]
	sig := report.StacktraceTopSignature(
		fields["ExecutablePath"], fields["Signal"], result.Retraced["StacktraceTop"])

	if sig == "" && sas != "" {
		attempts, err := w.repo.IncrementRetraceAttempts(oopsID)
		if err == nil && attempts <= w.maxRetraceAttempts() {
			log.WithField("oops", oopsID).Infof("empty StacktraceTop, retry %d", attempts)
			w.requeue(ctx, delivery, tooOld, provider, oopsID)
			return
		}
	}
	if sig == "" {
		result.FailureReason = "No crash signature after retracing"
		w.fail(ctx, delivery, oopsID, provider, fields, result, now)
		return
	}
	w.resolve(ctx, delivery, oopsID, provider, fields, result, sig, sas, now)
}

func (w *Worker) resolve(ctx context.Context, delivery *queue.Delivery, oopsID, provider string, fields map[string]string, result *Result, sig, sas string, now time.Time) {
	logger := log.WithFields(log.Fields{"oops": oopsID, "signature": sig})

	previousSig := ""
	if sas != "" {
		prev, known, err := w.repo.SignatureForSAS(sas)
		if err != nil {
			delivery.Nack()
			return
		}
		if known {
			previousSig = prev
		}
		chunk := w.config.StacktraceChunkBytes
		if err := w.repo.SaveStacktrace(sas, "Stacktrace", result.Retraced["Stacktrace"], chunk); err != nil {
			delivery.Nack()
			return
		}
		if err := w.repo.SaveStacktrace(sas, "ThreadStacktrace", result.Retraced["ThreadStacktrace"], chunk); err != nil {
			delivery.Nack()
			return
		}
		if err := w.repo.SetSignatureForSAS(sas, sig); err != nil {
			delivery.Nack()
			return
		}
	}

	if err := w.repo.SetOopsFields(oopsID, map[string]string{"RetraceStatus": "Success"}); err != nil {
		logger.WithError(err).Warn("could not mark retrace success")
	}
	if err := w.repo.DeleteOopsFields(oopsID, intermediateFields...); err != nil {
		logger.WithError(err).Warn("could not drop intermediate fields")
	}

	ids := []string{oopsID}
	if sas != "" {
		waiting, err := w.repo.DrainAwaitingRetrace(sas)
		if err != nil {
			logger.WithError(err).Warn("could not drain awaiting-retrace")
		}
		for _, id := range waiting {
			if id != oopsID {
				ids = append(ids, id)
			}
		}
	}
	for _, id := range ids {
		idFields := fields
		if id != oopsID {
			other, found, err := w.repo.GetOops(id)
			if err != nil || !found {
				continue
			}
			idFields = other
		}
		if err := w.buckets.Bucket(id, sig, report.FromFields(idFields), now); err != nil {
			logger.WithError(err).WithField("member", id).Warn("bucketing failed")
		}
	}

	if strings.HasPrefix(previousSig, "failed:") {
		// The bucket key and the recount body must agree, so both carry the
		// truncated form of an oversized signature.
		truncated := report.TruncateSignature(sig)
		moved, err := w.repo.MigrateBucket(previousSig, truncated)
		if err != nil {
			logger.WithError(err).Warn("could not migrate failed bucket")
		} else if len(moved) > 0 {
			if err := w.publisher.Publish(ctx, queue.RecountTopic, []byte(truncated), now); err != nil {
				logger.WithError(err).Warn("could not publish recount")
			}
		}
	}

	if sas != "" {
		if err := w.repo.RemoveRetracing(sas); err != nil {
			logger.WithError(err).Warn("could not clear retracing marker")
		}
	}
	w.deleteBlob(ctx, provider, oopsID)
	w.finish(delivery, fields, "success", now)
}

// fail either hands the job to the second-chance queue (first pass) or marks
// the OOPS as permanently failed (second pass).
func (w *Worker) fail(ctx context.Context, delivery *queue.Delivery, oopsID, provider string, fields map[string]string, result *Result, now time.Time) {
	if !w.config.FailedMode {
		// First pass: a fresh sandbox sometimes succeeds where a stale
		// package cache failed. The blob stays for the second pass.
		if err := w.publisher.Publish(ctx, queue.FailedRetraceTopic(w.config.Architecture), delivery.Body, delivery.Timestamp); err != nil {
			delivery.Nack()
			return
		}
		w.count("second_chance")
		delivery.Ack()
		return
	}

	reason := result.FailureReason
	if reason == "" {
		reason = "No stacktrace after retracing"
	}
	switch {
	case len(result.MissingPackages) > 0:
		reason += " and missing ddebs."
	case len(result.OutdatedPackages) > 0:
		reason += " and outdated packages."
	}

	updates := map[string]string{
		"RetraceStatus":        "Failure",
		"RetraceFailureReason": reason,
	}
	if len(result.MissingPackages) > 0 {
		updates["RetraceFailureMissingDebugSymbols"] = strings.Join(result.MissingPackages, " ")
	}
	if len(result.OutdatedPackages) > 0 {
		updates["RetraceOutdatedPackages"] = strings.Join(result.OutdatedPackages, " ")
	}
	if err := w.repo.SetOopsFields(oopsID, updates); err != nil {
		delivery.Nack()
		return
	}

	if sas := fields["StacktraceAddressSignature"]; sas != "" {
		failedSig := "failed:" + sas
		if err := w.repo.SetSignatureForSAS(sas, failedSig); err != nil {
			log.WithError(err).Warn("could not record failed signature")
		}
		if err := w.buckets.Bucket(oopsID, failedSig, report.FromFields(fields), now); err != nil {
			log.WithError(err).Warn("could not bucket failed retrace")
		}
		if err := w.repo.UpdateBucketRetraceFailure(failedSig, reason,
			int64(len(result.OutdatedPackages)), int64(len(result.MissingPackages))); err != nil {
			log.WithError(err).Warn("could not update bucket failure record")
		}
		if err := w.repo.RemoveRetracing(sas); err != nil {
			log.WithError(err).Warn("could not clear retracing marker")
		}
	}

	w.deleteBlob(ctx, provider, oopsID)
	w.finish(delivery, fields, "failed", now)
}

// markUnretraceable records a permanent, non-promotable failure without the
// second-chance pass.
func (w *Worker) markUnretraceable(ctx context.Context, delivery *queue.Delivery, oopsID, provider string, fields map[string]string, result *Result, now time.Time) {
	updates := map[string]string{
		"RetraceStatus":        "Failure",
		"RetraceFailureReason": result.FailureReason,
	}
	if err := w.repo.SetOopsFields(oopsID, updates); err != nil {
		delivery.Nack()
		return
	}
	if sas := fields["StacktraceAddressSignature"]; sas != "" {
		if err := w.repo.RemoveRetracing(sas); err != nil {
			log.WithError(err).Warn("could not clear retracing marker")
		}
	}
	w.deleteBlob(ctx, provider, oopsID)
	w.finish(delivery, fields, "unretraceable", now)
}

// requeue re-publishes the original body with its original timestamp and
// acks the current delivery; a message past the age cap is dropped with its
// blob instead.
func (w *Worker) requeue(ctx context.Context, delivery *queue.Delivery, tooOld bool, provider, oopsID string) {
	if tooOld {
		w.deleteBlob(ctx, provider, oopsID)
		w.count("dropped")
		delivery.Ack()
		return
	}
	if err := w.publisher.Publish(ctx, w.sourceTopic(), delivery.Body, delivery.Timestamp); err != nil {
		delivery.Nack()
		return
	}
	w.count("requeued")
	delivery.Ack()
}

// finish acks the delivery and records the end-to-end duration against the
// (day, release, architecture) moving average.
func (w *Worker) finish(delivery *queue.Delivery, fields map[string]string, kind string, now time.Time) {
	if !delivery.Timestamp.IsZero() {
		duration := now.Sub(delivery.Timestamp)
		day := now.Format("20060102")
		release := fields["DistroRelease"]
		if err := w.repo.UpdateRetraceStats(release, w.config.Architecture, day, duration, kind); err != nil {
			log.WithError(err).Warn("could not update retrace stats")
		}
		retraceDuration.WithLabelValues(w.config.Architecture).Observe(duration.Seconds())
	}
	w.count(kind)
	delivery.Ack()
}

func (w *Worker) count(outcome string) {
	retraceOutcomes.WithLabelValues(w.config.Architecture, outcome).Inc()
}

func (w *Worker) deleteBlob(ctx context.Context, provider, oopsID string) {
	store, ok := w.pool.Provider(provider)
	if !ok {
		return
	}
	if err := store.Delete(ctx, oopsID); err != nil {
		log.WithError(err).WithField("oops", oopsID).Warn("could not delete core blob")
	}
}

func (w *Worker) sourceTopic() string {
	if w.config.FailedMode {
		return queue.FailedRetraceTopic(w.config.Architecture)
	}
	return queue.RetraceTopic(w.config.Architecture)
}

func (w *Worker) messageMaxAge() time.Duration {
	if w.config.MessageMaxAge > 0 {
		return w.config.MessageMaxAge
	}
	return defaultMessageMaxAge
}

func (w *Worker) maxRetraceAttempts() int64 {
	if w.config.MaxRetraceAttempts > 0 {
		return w.config.MaxRetraceAttempts
	}
	return defaultMaxRetraceAttempts
}

// The pid file lets the cache cleanup cron signal the worker before wiping
// the package cache out from under a running retrace.
func (w *Worker) writePidFile() {
	if w.config.CachePath == "" {
		return
	}
	path := w.pidFilePath()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		log.WithError(err).Warn("could not write pid file")
	}
}

func (w *Worker) removePidFile() {
	if w.config.CachePath == "" {
		return
	}
	_ = os.Remove(w.pidFilePath())
}

func (w *Worker) pidFilePath() string {
	return filepath.Join(w.config.CachePath, "retracer-"+w.config.Architecture+".pid")
}
