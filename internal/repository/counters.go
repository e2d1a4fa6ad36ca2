package repository

import (
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// IncrementCounters bumps the global daily counter plus one counter per
// derived field. Reports tagged as coming from the -proposed pocket also bump
// a parallel counter family. Counters are add-only and monotone within a
// day; readers assume up to 24 h of skew.
func (r *Repository) IncrementCounters(fields []string, day string, proposed bool) error {
	pipe := r.db.Pipeline()
	pipe.HIncrBy(countersPrefix+totalOopsesField, day, 1)
	for _, field := range fields {
		pipe.HIncrBy(countersPrefix+field, day, 1)
	}
	if proposed {
		pipe.HIncrBy(proposedCountersPrefix+totalOopsesField, day, 1)
		for _, field := range fields {
			pipe.HIncrBy(proposedCountersPrefix+field, day, 1)
		}
	}
	_, err := pipe.Exec()
	return errors.Wrap(err, "incrementing counters")
}

// Counter reads one daily counter; an empty field reads the global total.
func (r *Repository) Counter(field, day string) (int64, error) {
	if field == "" {
		field = totalOopsesField
	}
	n, err := r.db.HGet(countersPrefix+field, day).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "reading counter")
}

// ProposedCounter reads the parallel -proposed counter family.
func (r *Repository) ProposedCounter(field, day string) (int64, error) {
	if field == "" {
		field = totalOopsesField
	}
	n, err := r.db.HGet(proposedCountersPrefix+field, day).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "reading proposed counter")
}

// UpdateRetraceStats records the outcome and duration of one retrace:
// per-release and per-release-per-arch outcome counters for the day, plus the
// cumulative (sum, count) pair the mean retrace time is derived from. The
// pair is updated in a single pipeline so concurrent workers never lose an
// increment.
func (r *Repository) UpdateRetraceStats(release, arch, day string, duration time.Duration, kind string) error {
	key := retraceStatsPrefix + day
	pipe := r.db.Pipeline()
	pipe.HIncrBy(key, release+":"+kind, 1)
	pipe.HIncrBy(key, release+":"+arch+":"+kind, 1)
	pipe.HIncrByFloat(key, release+":"+arch+":sum", duration.Seconds())
	pipe.HIncrBy(key, release+":"+arch+":count", 1)
	_, err := pipe.Exec()
	return errors.Wrap(err, "updating retrace stats")
}

// MeanRetraceTime returns the cumulative mean retrace duration in seconds and
// the number of samples for (day, release, arch).
func (r *Repository) MeanRetraceTime(release, arch, day string) (float64, int64, error) {
	key := retraceStatsPrefix + day
	sumStr, err := r.db.HGet(key, release+":"+arch+":sum").Result()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading retrace stats")
	}
	count, err := r.db.HGet(key, release+":"+arch+":count").Int64()
	if err == redis.Nil || count == 0 {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading retrace stats")
	}
	sum, err := strconv.ParseFloat(sumStr, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "corrupt retrace stats sum")
	}
	return sum / float64(count), count, nil
}

// RetraceOutcomeCount reads one outcome counter, e.g. ("Ubuntu 24.04",
// "amd64", day, "success") or with an empty arch for the per-release total.
func (r *Repository) RetraceOutcomeCount(release, arch, day, kind string) (int64, error) {
	field := release + ":" + kind
	if arch != "" {
		field = release + ":" + arch + ":" + kind
	}
	n, err := r.db.HGet(retraceStatsPrefix+day, field).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, errors.Wrap(err, "reading retrace outcome count")
}
