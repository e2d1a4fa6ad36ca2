package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

// IngestConfig configures the HTTP process that accepts crash reports and
// core dumps.
type IngestConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis  RedisConfig
	Pulsar PulsarConfig
	Blob   BlobConfig

	// Releases that are no longer accepted; submissions are rejected with
	// "<release> is End of Life". This list must be aged forward as releases
	// go out of support.
	EndOfLifeReleases []string

	// Architectures for which core dumps are accepted and retraced.
	RetraceableArchitectures []string

	// Releases for which a previously failed retrace is retried when a new
	// report arrives on amd64. Typically the current LTS set.
	RetryFailedReleases []string

	// Problem types accepted with a 200 but intentionally not stored.
	DiscardProblemTypes []string

	// System tokens that may not submit anything.
	BlockedSystems []string

	// Package origins (beyond packages with no origin annotation at all)
	// whose crashes are accepted for retracing.
	AllowedOrigins []string

	// Maximum accepted report body, in bytes.
	ReportSizeLimitBytes int64

	// A (release, apport version) pair whose suspend/resume failure reports
	// are rejected outright; that combination flooded the service with
	// unusable reports.
	BrokenResumeRelease       string
	BrokenResumeApportVersion string
}

// RetracerConfig configures one retracer worker process. One process runs per
// architecture per host.
type RetracerConfig struct {
	MetricsPort uint16

	Redis  RedisConfig
	Pulsar PulsarConfig
	Blob   BlobConfig

	// Architecture whose queue this worker consumes.
	Architecture string

	// Consume failed_retrace_<arch> instead of retrace_<arch>; jobs consumed
	// in this mode mark the OOPS failed on a second unsuccessful retrace.
	FailedMode bool

	// Directory holding one sandbox per release (the on-disk package cache
	// the symbolicator unpacks packages into).
	SandboxPath string

	// Optional apt/ddeb cache shared across jobs of the same release. The
	// worker writes its pid file here so external cleanup scripts can signal
	// it before wiping the cache.
	CachePath string

	ApportRetracePath string
	GdbPath           string

	// Where to save crash dirs when the symbolicator itself crashes, for
	// manual triage. Empty disables saving.
	CoreStoragePath string

	// Messages older than this are dropped rather than requeued.
	MessageMaxAge time.Duration

	// Cap on re-running a retrace that produced an empty StacktraceTop.
	MaxRetraceAttempts int64

	StacktraceChunkBytes int64
}

// RedisConfig mirrors the subset of go-redis options we configure. The
// columnar store defaults to consistency level ONE semantics; there is no
// quorum knob here, reads simply go to the configured endpoint.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func (c RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
}

// PulsarConfig carries broker connection details for the retrace queues.
type PulsarConfig struct {
	URL                        string
	TLSTrustCertsFilePath      string
	TLSValidateHostname        bool
	TLSAllowInsecureConnection bool
	MaxConnectionsPerBroker    int

	// How long publishes are retried in-process while the broker is
	// unreachable before the worker gives up and exits.
	PublishRetryWindow time.Duration
}

// BlobConfig names the available blob providers. Weights must sum to 1.0
// across providers with a non-zero weight; the write path picks a provider by
// weighted random draw.
type BlobConfig struct {
	Providers map[string]BlobProviderConfig
}

type BlobProviderConfig struct {
	// One of "filesystem", "s3", "swift" or "memory".
	Type   string
	Weight float64

	// Above 50% of UsageMaxMB, writes are dropped with linearly increasing
	// probability, reaching 100% at full usage. Zero disables the check.
	UsageMaxMB int64

	// Filesystem provider.
	Path string

	// S3 provider.
	Bucket   string
	Region   string
	Endpoint string

	// Swift provider.
	Container string
	AuthURL   string
	UserName  string
	ApiKey    string
	Tenant    string
}
