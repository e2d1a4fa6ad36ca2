package retracer

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daisy-project/daisy/internal/blobstore"
	"github.com/daisy-project/daisy/internal/bucketing"
	"github.com/daisy-project/daisy/internal/common/compress"
	"github.com/daisy-project/daisy/internal/configuration"
	"github.com/daisy-project/daisy/internal/queue"
	"github.com/daisy-project/daisy/internal/report"
	"github.com/daisy-project/daisy/internal/repository"
)

var (
	workerNow   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	workerSAS   = "/usr/bin/foo:11:/lib/libc-2.15.so+e4d93:/usr/bin/foo+1e071"
	resolvedTop = "raise () from /lib/libc.so.6\nabort () from /lib/libc.so.6"
)

func resolvedSignature() string {
	return report.StacktraceTopSignature("/usr/bin/foo", "11", resolvedTop)
}

func oopsFields(sas string) map[string]string {
	fields := map[string]string{
		"ProblemType":    "Crash",
		"ExecutablePath": "/usr/bin/foo",
		"Signal":         "11",
		"DistroRelease":  "Ubuntu 24.04",
		"Package":        "whoopsie 1.2.3",
		"StacktraceTop":  "raise () from /lib/libc.so.6",
	}
	if sas != "" {
		fields["StacktraceAddressSignature"] = sas
	}
	return fields
}

func resolvedResult() *Result {
	return &Result{
		Kind: KindResolved,
		Retraced: map[string]string{
			"StacktraceTop":    resolvedTop,
			"Stacktrace":       "#0  raise () at raise.c:48",
			"ThreadStacktrace": ".\nThread 1:\n#0  raise ()",
		},
	}
}

type fakeSymbolicator struct {
	invalidCore bool
	results     []*Result
	calls       int
}

func (f *fakeSymbolicator) CheckCore(ctx context.Context, corePath string) (bool, error) {
	return !f.invalidCore, nil
}

func (f *fakeSymbolicator) Retrace(ctx context.Context, job Job) (*Result, error) {
	result := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return result, nil
}

type workerEnv struct {
	worker    *Worker
	repo      *repository.Repository
	blobs     *blobstore.MemoryProvider
	publisher *queue.Fake
}

func withWorker(t *testing.T, failedMode bool, sym Symbolicator, action func(env *workerEnv)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	repo := repository.New(redis.NewClient(&redis.Options{Addr: db.Addr()}))
	blobs := blobstore.NewMemoryProvider("mem")
	pool := blobstore.NewPoolFromProviders(map[string]float64{"mem": 1.0}, blobs)
	publisher := queue.NewFake()

	worker := NewWorker(
		configuration.RetracerConfig{
			Architecture: "amd64",
			FailedMode:   failedMode,
		},
		repo, bucketing.New(repo), pool, publisher, nil, sym)
	worker.clock = func() time.Time { return workerNow }

	action(&workerEnv{worker: worker, repo: repo, blobs: blobs, publisher: publisher})
}

// insertJob stores an OOPS row and its encoded core blob, returning a
// delivery for it.
func insertJob(t *testing.T, env *workerEnv, oopsID string, fields map[string]string, age time.Duration) *queue.FakeDelivery {
	require.NoError(t, env.repo.InsertOops(oopsID, fields, workerNow.Format("20060102"), workerNow))
	storeBlob(t, env, oopsID)
	return queue.NewFakeDelivery(queue.EncodeJob(oopsID, "mem"), workerNow.Add(-age))
}

func storeBlob(t *testing.T, env *workerEnv, oopsID string) {
	var encoded bytes.Buffer
	require.NoError(t, compress.EncodeCore(strings.NewReader("fake core bytes"), &encoded))
	require.NoError(t, env.blobs.Put(context.Background(), oopsID, &encoded))
}

func TestResolvedJobBucketsEveryWaitingOops(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		require.NoError(t, env.repo.InsertOops("oops-b", oopsFields(workerSAS), workerNow.Format("20060102"), workerNow))
		require.NoError(t, env.repo.AddAwaitingRetrace(workerSAS, "oops-b"))
		require.NoError(t, env.repo.AddRetracing(workerSAS))

		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		sig := resolvedSignature()
		for _, id := range []string{"oops-a", "oops-b"} {
			member, err := env.repo.BucketContains(sig, id)
			require.NoError(t, err)
			assert.True(t, member, id)
			failed, err := env.repo.BucketContains("failed:"+sig, id)
			require.NoError(t, err)
			assert.False(t, failed, id)
		}

		stored, known, err := env.repo.SignatureForSAS(workerSAS)
		require.NoError(t, err)
		require.True(t, known)
		assert.Equal(t, sig, stored)

		stacktrace, found, err := env.repo.GetStacktrace(workerSAS, "Stacktrace")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "#0  raise () at raise.c:48", stacktrace)

		retracing, err := env.repo.IsRetracing(workerSAS)
		require.NoError(t, err)
		assert.False(t, retracing)

		waiting, err := env.repo.AwaitingRetrace(workerSAS)
		require.NoError(t, err)
		assert.Empty(t, waiting)

		_, ok := env.blobs.Contents("oops-a")
		assert.False(t, ok)

		fields, found, err := env.repo.GetOops("oops-a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Success", fields["RetraceStatus"])
		assert.NotContains(t, fields, "StacktraceTop")

		count, err := env.repo.RetraceOutcomeCount("Ubuntu 24.04", "amd64", workerNow.Format("20060102"), "success")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestFailedBucketPromotedOnLaterSuccess(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		failedSig := "failed:" + workerSAS
		require.NoError(t, env.repo.SetSignatureForSAS(workerSAS, failedSig))
		require.NoError(t, env.repo.AddToBucket(failedSig, "oops-old"))

		delivery := insertJob(t, env, "oops-new", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		sig := resolvedSignature()
		promoted, err := env.repo.BucketContains(sig, "oops-old")
		require.NoError(t, err)
		assert.True(t, promoted)

		stillFailed, err := env.repo.BucketMembers(failedSig)
		require.NoError(t, err)
		assert.Empty(t, stillFailed)

		recounts := env.publisher.PublishedTo(queue.RecountTopic)
		require.Len(t, recounts, 1)
		assert.Equal(t, sig, string(recounts[0].Body))
	})
}

func TestOversizedSignaturePromotionRecountsTruncatedKey(t *testing.T) {
	hugeTop := strings.Repeat("a", report.SignatureKeyLimit) + " () from /lib/libc.so.6"
	oversized := &Result{
		Kind: KindResolved,
		Retraced: map[string]string{
			"StacktraceTop":    hugeTop,
			"Stacktrace":       "#0  raise () at raise.c:48",
			"ThreadStacktrace": ".\nThread 1:\n#0  raise ()",
		},
	}
	sym := &fakeSymbolicator{results: []*Result{oversized}}
	withWorker(t, false, sym, func(env *workerEnv) {
		failedSig := "failed:" + workerSAS
		require.NoError(t, env.repo.SetSignatureForSAS(workerSAS, failedSig))
		require.NoError(t, env.repo.AddToBucket(failedSig, "oops-old"))

		delivery := insertJob(t, env, "oops-new", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		sig := report.StacktraceTopSignature("/usr/bin/foo", "11", hugeTop)
		require.Greater(t, len(sig), report.SignatureKeyLimit)
		truncated := report.TruncateSignature(sig)

		promoted, err := env.repo.BucketContains(truncated, "oops-old")
		require.NoError(t, err)
		assert.True(t, promoted)

		// The recount consumer resolves the bucket by the message body, so it
		// must name the key the members actually moved to.
		recounts := env.publisher.PublishedTo(queue.RecountTopic)
		require.Len(t, recounts, 1)
		assert.Equal(t, truncated, string(recounts[0].Body))
	})
}

func TestFirstPassFailureHandsOffToSecondChanceQueue(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{Kind: KindFailed}}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		published := env.publisher.PublishedTo("failed_retrace_amd64")
		require.Len(t, published, 1)
		assert.Equal(t, "oops-a:mem", string(published[0].Body))
		assert.Equal(t, workerNow.Add(-time.Hour), published[0].Timestamp)

		// The blob stays for the second pass; the OOPS is not marked yet.
		_, ok := env.blobs.Contents("oops-a")
		assert.True(t, ok)
		fields, _, err := env.repo.GetOops("oops-a")
		require.NoError(t, err)
		assert.NotContains(t, fields, "RetraceFailureReason")
	})
}

func TestSecondPassFailureMarksOops(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{
		Kind:            KindFailed,
		MissingPackages: []string{"libc6-dbg"},
	}}}
	withWorker(t, true, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		require.NoError(t, env.repo.AddRetracing(workerSAS))

		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		fields, found, err := env.repo.GetOops("oops-a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Failure", fields["RetraceStatus"])
		assert.Equal(t, "No stacktrace after retracing and missing ddebs.", fields["RetraceFailureReason"])
		assert.Equal(t, "libc6-dbg", fields["RetraceFailureMissingDebugSymbols"])

		member, err := env.repo.BucketContains("failed:"+workerSAS, "oops-a")
		require.NoError(t, err)
		assert.True(t, member)

		sig, known, err := env.repo.SignatureForSAS(workerSAS)
		require.NoError(t, err)
		require.True(t, known)
		assert.Equal(t, "failed:"+workerSAS, sig)

		retracing, err := env.repo.IsRetracing(workerSAS)
		require.NoError(t, err)
		assert.False(t, retracing)

		_, ok := env.blobs.Contents("oops-a")
		assert.False(t, ok)
	})
}

func TestEmptyStacktraceTopRetriedTwiceThenFailed(t *testing.T) {
	empty := &Result{Kind: KindResolved, Retraced: map[string]string{"StacktraceTop": ""}}
	sym := &fakeSymbolicator{results: []*Result{empty}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)

		for i := 0; i < 2; i++ {
			env.worker.Process(context.Background(), delivery.Delivery())
			assert.Len(t, env.publisher.PublishedTo("retrace_amd64"), i+1)
			assert.Empty(t, env.publisher.PublishedTo("failed_retrace_amd64"))
			storeBlob(t, env, "oops-a")
		}

		env.worker.Process(context.Background(), delivery.Delivery())
		assert.Len(t, env.publisher.PublishedTo("retrace_amd64"), 2)
		assert.Len(t, env.publisher.PublishedTo("failed_retrace_amd64"), 1)
	})
}

func TestTransientErrorRequeuesWithOriginalTimestamp(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{Kind: KindTransient}}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		published := env.publisher.PublishedTo("retrace_amd64")
		require.Len(t, published, 1)
		assert.Equal(t, workerNow.Add(-time.Hour), published[0].Timestamp)

		_, ok := env.blobs.Contents("oops-a")
		assert.True(t, ok)
	})
}

func TestOldTransientErrorDropsJob(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{Kind: KindTransient}}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), 9*24*time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		assert.Empty(t, env.publisher.Published())
		_, ok := env.blobs.Contents("oops-a")
		assert.False(t, ok)
	})
}

func TestMissingOopsRequeuedWhileFresh(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := queue.NewFakeDelivery(queue.EncodeJob("oops-gone", "mem"), workerNow.Add(-time.Hour))
		env.worker.Process(context.Background(), delivery.Delivery())
		assert.True(t, delivery.Nacked())
		assert.False(t, delivery.Acked())
	})
}

func TestMissingOopsDroppedPastAgeCap(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		storeBlob(t, env, "oops-gone")
		delivery := queue.NewFakeDelivery(queue.EncodeJob("oops-gone", "mem"), workerNow.Add(-9*24*time.Hour))
		env.worker.Process(context.Background(), delivery.Delivery())
		assert.True(t, delivery.Acked())

		_, ok := env.blobs.Contents("oops-gone")
		assert.False(t, ok)
	})
}

func TestAlreadyFailedOopsAckedWithoutWork(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		fields := oopsFields(workerSAS)
		fields["RetraceFailureReason"] = "No stacktrace after retracing"
		delivery := insertJob(t, env, "oops-a", fields, time.Hour)

		env.worker.Process(context.Background(), delivery.Delivery())
		assert.True(t, delivery.Acked())
		assert.Equal(t, 0, sym.calls)
		assert.Empty(t, env.publisher.Published())
	})
}

func TestInvalidCoreDropped(t *testing.T) {
	sym := &fakeSymbolicator{invalidCore: true, results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		_, ok := env.blobs.Contents("oops-a")
		assert.False(t, ok)
	})
}

func TestMissingBlobAcked(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		require.NoError(t, env.repo.InsertOops("oops-a", oopsFields(workerSAS), workerNow.Format("20060102"), workerNow))
		delivery := queue.NewFakeDelivery(queue.EncodeJob("oops-a", "mem"), workerNow.Add(-time.Hour))

		env.worker.Process(context.Background(), delivery.Delivery())
		assert.True(t, delivery.Acked())
		assert.Empty(t, env.publisher.Published())
	})
}

func TestInterruptedJobLeftUnacked(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{Kind: KindInterrupted}}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		assert.False(t, delivery.Acked())
		assert.False(t, delivery.Nacked())
	})
}

func TestUnretraceableMarkedAndDropped(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{{
		Kind:          KindUnretraceable,
		FailureReason: "executable path is not shipped by any package",
	}}}
	withWorker(t, false, sym, func(env *workerEnv) {
		delivery := insertJob(t, env, "oops-a", oopsFields(workerSAS), time.Hour)
		env.worker.Process(context.Background(), delivery.Delivery())
		require.True(t, delivery.Acked())

		fields, _, err := env.repo.GetOops("oops-a")
		require.NoError(t, err)
		assert.Equal(t, "Failure", fields["RetraceStatus"])

		// No second pass for a crash that can never be retraced.
		assert.Empty(t, env.publisher.PublishedTo("failed_retrace_amd64"))
		_, ok := env.blobs.Contents("oops-a")
		assert.False(t, ok)
	})
}

func TestRetraceDurationsFeedMovingAverage(t *testing.T) {
	sym := &fakeSymbolicator{results: []*Result{resolvedResult()}}
	withWorker(t, false, sym, func(env *workerEnv) {
		first := insertJob(t, env, "oops-a", oopsFields(""), 30*time.Second)
		env.worker.Process(context.Background(), first.Delivery())
		second := insertJob(t, env, "oops-b", oopsFields(""), 40*time.Second)
		env.worker.Process(context.Background(), second.Delivery())

		mean, count, err := env.repo.MeanRetraceTime("Ubuntu 24.04", "amd64", workerNow.Format("20060102"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.InDelta(t, 35.0, mean, 0.001)
	})
}
