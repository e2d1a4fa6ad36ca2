// Package repository implements the wide-row data model for crash reports on
// Redis: OOPS rows, day/system indexes, buckets, bucket metadata, counters
// and the SAS cross-reference indexes. All writes are safe to replay; counter
// increments are the only non-idempotent step and are accepted as approximate
// within a day, corrected by the nightly reconciler.
package repository

import (
	"github.com/go-redis/redis"
)

const (
	oopsPrefix                 = "oops:"
	dayIndexPrefix             = "day:"
	systemIndexPrefix          = "system:"
	systemHashesPrefix         = "systemhashes:"
	bucketPrefix               = "bucket:"
	dayBucketsPrefix           = "daybuckets:"
	bucketMetadataPrefix       = "bucketmeta:"
	bucketVersionsPrefix       = "bucketversions:"
	bucketVersionSystemsPrefix = "bucketversionsystems:"
	dayBucketsCountPrefix      = "daybucketscount:"
	countersPrefix             = "counters:"
	proposedCountersPrefix     = "counters_proposed:"
	retraceStatsPrefix         = "retracestats:"
	stacktracePrefix           = "stacktrace:"
	sourceVersionPrefix        = "sourceversion:"
	bucketHashPrefix           = "buckethash:"
	couldNotBucketPrefix       = "couldnotbucket:"
	bucketRetraceFailPrefix    = "bucketretracefail:"
	awaitingRetracePrefix      = "awaitingretrace:"
	sasSignatureKey            = "sigforsas"
	retracingKey               = "retracing"
	totalOopsesField           = "oopses"
)

// Repository is the single access point to the columnar store. It is a
// stateless wrapper around the client and is shared freely across goroutines.
type Repository struct {
	db redis.UniversalClient
}

func New(db redis.UniversalClient) *Repository {
	return &Repository{db: db}
}

// Ping reports whether the store is reachable; used by health checks.
func (r *Repository) Ping() error {
	return r.db.Ping().Err()
}
