package repository

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// AddToBucket files an OOPS into the bucket for a crash signature. Buckets
// grow monotonically on the success side; entries are only ever moved out of
// failed: buckets on promotion.
func (r *Repository) AddToBucket(sig, id string) error {
	return errors.Wrap(r.db.SAdd(bucketPrefix+sig, id).Err(), "adding to bucket")
}

func (r *Repository) BucketMembers(sig string) ([]string, error) {
	ids, err := r.db.SMembers(bucketPrefix + sig).Result()
	return ids, errors.Wrap(err, "reading bucket")
}

func (r *Repository) BucketContains(sig, id string) (bool, error) {
	ok, err := r.db.SIsMember(bucketPrefix+sig, id).Result()
	return ok, errors.Wrap(err, "checking bucket membership")
}

// MigrateBucket moves every member of the from bucket into the to bucket and
// removes the from bucket. Used when a provisional failed:<sig> bucket is
// promoted after a later successful retrace.
func (r *Repository) MigrateBucket(from, to string) ([]string, error) {
	ids, err := r.db.SMembers(bucketPrefix + from).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading bucket for migration")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := r.db.TxPipeline()
	pipe.SAdd(bucketPrefix+to, members...)
	pipe.Del(bucketPrefix + from)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "migrating bucket")
	}
	return ids, nil
}

// AddDayBucket records that a bucket saw traffic on a UTC day.
func (r *Repository) AddDayBucket(day, sig string) error {
	return errors.Wrap(r.db.SAdd(dayBucketsPrefix+day, sig).Err(), "recording day bucket")
}

// IncrementDayBucketsCount bumps the per-bucket counter for a derived counter
// field at one time resolution. An empty field bumps the bare resolution key.
func (r *Repository) IncrementDayBucketsCount(field, resolution, sig string) error {
	key := dayBucketsCountPrefix + resolution
	if field != "" {
		key = dayBucketsCountPrefix + field + ":" + resolution
	}
	return errors.Wrap(r.db.HIncrBy(key, sig, 1).Err(), "incrementing day buckets count")
}

func (r *Repository) DayBucketsCount(field, resolution, sig string) (int64, error) {
	key := dayBucketsCountPrefix + resolution
	if field != "" {
		key = dayBucketsCountPrefix + field + ":" + resolution
	}
	n, err := r.db.HGet(key, sig).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "reading day buckets count")
}

func (r *Repository) GetBucketMetadata(sig string) (map[string]string, error) {
	fields, err := r.db.HGetAll(bucketMetadataPrefix + sig).Result()
	return fields, errors.Wrap(err, "reading bucket metadata")
}

func (r *Repository) PutBucketMetadata(sig string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return errors.Wrap(r.db.HMSet(bucketMetadataPrefix+sig, values).Err(), "writing bucket metadata")
}

// IncrementBucketVersionCount bumps the (release, version) histogram for a
// bucket. Tolerated skew is corrected by the nightly reconciler.
func (r *Repository) IncrementBucketVersionCount(sig, release, version string) error {
	return errors.Wrap(r.db.HIncrBy(bucketVersionsPrefix+sig, release+":"+version, 1).Err(),
		"incrementing bucket version count")
}

func (r *Repository) BucketVersionCount(sig, release, version string) (int64, error) {
	n, err := r.db.HGet(bucketVersionsPrefix+sig, release+":"+version).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "reading bucket version count")
}

// AddBucketVersionSystem records a distinct affected system for (bucket,
// version). The set deduplicates, so replays are free.
func (r *Repository) AddBucketVersionSystem(sig, version, system string) error {
	return errors.Wrap(r.db.SAdd(bucketVersionSystemsPrefix+sig+":"+version, system).Err(),
		"recording affected system")
}

func (r *Repository) BucketVersionSystemCount(sig, version string) (int64, error) {
	n, err := r.db.SCard(bucketVersionSystemsPrefix + sig + ":" + version).Result()
	return n, errors.Wrap(err, "counting affected systems")
}

// AddSourceVersionBucket indexes a bucket by (source package, version) for
// new-bucket discovery when a source package is upgraded.
func (r *Repository) AddSourceVersionBucket(sourcePackage, version, sig string) error {
	return errors.Wrap(r.db.SAdd(sourceVersionPrefix+sourcePackage+":"+version, sig).Err(),
		"recording source version bucket")
}

// AddBucketHash records the SHA-1 of a signature in the short-URL index,
// sharded by the first hex digit of the hash.
func (r *Repository) AddBucketHash(sig string) (string, error) {
	sum := sha1.Sum([]byte(sig))
	hash := hex.EncodeToString(sum[:])
	err := r.db.HSet(bucketHashPrefix+hash[:1], hash, sig).Err()
	return hash, errors.Wrap(err, "recording bucket hash")
}

func (r *Repository) SignatureForHash(hash string) (string, bool, error) {
	if hash == "" {
		return "", false, nil
	}
	sig, err := r.db.HGet(bucketHashPrefix+hash[:1], hash).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "resolving bucket hash")
	}
	return sig, true, nil
}

// UpdateBucketRetraceFailure records the failure reason for a bucket, but
// only when the new failure is strictly closer to success than the recorded
// minimum: strictly fewer outdated packages and strictly fewer missing debug
// symbol packages.
func (r *Repository) UpdateBucketRetraceFailure(sig, reason string, outdated, missing int64) error {
	key := bucketRetraceFailPrefix + sig
	fields, err := r.db.HGetAll(key).Result()
	if err != nil {
		return errors.Wrap(err, "reading bucket retrace failure")
	}
	if len(fields) != 0 {
		prevOutdated, _ := strconv.ParseInt(fields["OutdatedPackages"], 10, 64)
		prevMissing, _ := strconv.ParseInt(fields["MissingDebugSymbols"], 10, 64)
		if outdated >= prevOutdated || missing >= prevMissing {
			return nil
		}
	}
	values := map[string]interface{}{
		"Reason":              reason,
		"OutdatedPackages":    strconv.FormatInt(outdated, 10),
		"MissingDebugSymbols": strconv.FormatInt(missing, 10),
	}
	return errors.Wrap(r.db.HMSet(key, values).Err(), "writing bucket retrace failure")
}

func (r *Repository) BucketRetraceFailure(sig string) (map[string]string, error) {
	fields, err := r.db.HGetAll(bucketRetraceFailPrefix + sig).Result()
	return fields, errors.Wrap(err, "reading bucket retrace failure")
}
