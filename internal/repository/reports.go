package repository

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/daisy-project/daisy/internal/report"
)

// InsertOops writes a normalised report under a fresh OOPS id and files it
// into the day and per-system indexes. The insert happens-before any bucket
// or index mutation for the same OOPS.
func (r *Repository) InsertOops(id string, fields map[string]string, day string, ts time.Time) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	score := float64(ts.UnixNano())

	pipe := r.db.TxPipeline()
	pipe.HMSet(oopsPrefix+id, values)
	pipe.ZAdd(dayIndexPrefix+day, redis.Z{Score: score, Member: id})
	if system := fields["SystemIdentifier"]; system != "" {
		pipe.ZAdd(systemIndexPrefix+system, redis.Z{Score: score, Member: id})
	}
	_, err := pipe.Exec()
	return errors.Wrap(err, "inserting oops")
}

// GetOops reads an OOPS row back. Values are opaque bytes in the store and
// are normalised to text only for allow-listed fields.
func (r *Repository) GetOops(id string) (map[string]string, bool, error) {
	fields, err := r.db.HGetAll(oopsPrefix + id).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "reading oops")
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return report.NormalizeStored(fields), true, nil
}

// SetOopsFields merges fields into an existing OOPS row.
func (r *Repository) SetOopsFields(id string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return errors.Wrap(r.db.HMSet(oopsPrefix+id, values).Err(), "updating oops")
}

// DeleteOopsFields drops raw intermediate fields from an OOPS row once it has
// been bucketed.
func (r *Repository) DeleteOopsFields(id string, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return errors.Wrap(r.db.HDel(oopsPrefix+id, names...).Err(), "dropping oops fields")
}

// IncrementRetraceAttempts bumps the retry counter on an OOPS and returns the
// new value.
func (r *Repository) IncrementRetraceAttempts(id string) (int64, error) {
	n, err := r.db.HIncrBy(oopsPrefix+id, "RetraceAttempts", 1).Result()
	return n, errors.Wrap(err, "incrementing retrace attempts")
}

// HasCrashHash reports whether this system already submitted a crash with the
// given (Date, ExecutablePath, ProcStatus) hash.
func (r *Repository) HasCrashHash(system, hash string) (bool, error) {
	ok, err := r.db.SIsMember(systemHashesPrefix+system, hash).Result()
	return ok, errors.Wrap(err, "checking crash hash")
}

func (r *Repository) AddCrashHash(system, hash string) error {
	return errors.Wrap(r.db.SAdd(systemHashesPrefix+system, hash).Err(), "recording crash hash")
}

// AddCouldNotBucket records an OOPS that carried neither a signature, a
// traceback, nor a usable stacktrace.
func (r *Repository) AddCouldNotBucket(day, id string) error {
	return errors.Wrap(r.db.SAdd(couldNotBucketPrefix+day, id).Err(), "recording unbucketable oops")
}

// OopsIdsForDay returns the ids filed under a UTC day, oldest first.
func (r *Repository) OopsIdsForDay(day string) ([]string, error) {
	ids, err := r.db.ZRange(dayIndexPrefix+day, 0, -1).Result()
	return ids, errors.Wrap(err, "reading day index")
}

// OopsIdsForSystem returns the ids submitted by one system, oldest first.
func (r *Repository) OopsIdsForSystem(system string) ([]string, error) {
	ids, err := r.db.ZRange(systemIndexPrefix+system, 0, -1).Result()
	return ids, errors.Wrap(err, "reading system index")
}
