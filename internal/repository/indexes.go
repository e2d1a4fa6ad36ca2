package repository

import (
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// SignatureForSAS resolves a stacktrace address signature to the canonical
// crash signature, if one has been produced by a retrace. This direction is
// authoritative; the reverse can be rebuilt by scanning.
func (r *Repository) SignatureForSAS(sas string) (string, bool, error) {
	sig, err := r.db.HGet(sasSignatureKey, sas).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "resolving address signature")
	}
	return sig, true, nil
}

// SetSignatureForSAS records the outcome of a retrace. Last write wins.
func (r *Repository) SetSignatureForSAS(sas, sig string) error {
	return errors.Wrap(r.db.HSet(sasSignatureKey, sas, sig).Err(), "recording signature for address signature")
}

// AddRetracing marks a SAS as having a retrace job enqueued or in flight, so
// that further clients reporting the same SAS are not also asked for a core.
func (r *Repository) AddRetracing(sas string) error {
	return errors.Wrap(r.db.SAdd(retracingKey, sas).Err(), "marking retracing")
}

// RemoveRetracing is a no-op if the SAS is not present, which makes broker
// redeliveries harmless.
func (r *Repository) RemoveRetracing(sas string) error {
	return errors.Wrap(r.db.SRem(retracingKey, sas).Err(), "unmarking retracing")
}

func (r *Repository) IsRetracing(sas string) (bool, error) {
	ok, err := r.db.SIsMember(retracingKey, sas).Result()
	return ok, errors.Wrap(err, "checking retracing")
}

// AddAwaitingRetrace defers an OOPS until the retrace for its SAS resolves.
func (r *Repository) AddAwaitingRetrace(sas, id string) error {
	return errors.Wrap(r.db.SAdd(awaitingRetracePrefix+sas, id).Err(), "deferring oops for retrace")
}

func (r *Repository) AwaitingRetrace(sas string) ([]string, error) {
	ids, err := r.db.SMembers(awaitingRetracePrefix + sas).Result()
	return ids, errors.Wrap(err, "reading awaiting retrace")
}

// DrainAwaitingRetrace returns and removes the deferred OOPS ids for a SAS.
// The read and delete are two round trips; a crash in between leaves entries
// behind that the next retrace of the same SAS will drain, so nothing is
// lost.
func (r *Repository) DrainAwaitingRetrace(sas string) ([]string, error) {
	ids, err := r.db.SMembers(awaitingRetracePrefix + sas).Result()
	if err != nil {
		return nil, errors.Wrap(err, "draining awaiting retrace")
	}
	if err := r.db.Del(awaitingRetracePrefix + sas).Err(); err != nil {
		return nil, errors.Wrap(err, "draining awaiting retrace")
	}
	return ids, nil
}

// SaveStacktrace stores a symbolicated stacktrace field for a SAS, split into
// chunks below the store's row-write ceiling: the first chunk keeps the field
// name, subsequent chunks are <name>-1, <name>-2, and so on.
func (r *Repository) SaveStacktrace(sas, name, value string, chunkBytes int64) error {
	if chunkBytes <= 0 {
		chunkBytes = 4 << 20
	}
	values := map[string]interface{}{}
	chunk := 0
	for len(value) > 0 {
		end := int(chunkBytes)
		if end > len(value) {
			end = len(value)
		}
		field := name
		if chunk > 0 {
			field = name + "-" + strconv.Itoa(chunk)
		}
		values[field] = value[:end]
		value = value[end:]
		chunk++
	}
	if len(values) == 0 {
		values[name] = ""
	}
	return errors.Wrap(r.db.HMSet(stacktracePrefix+sas, values).Err(), "saving stacktrace")
}

// GetStacktrace reassembles a chunked stacktrace field by concatenating the
// chunks in ascending suffix order.
func (r *Repository) GetStacktrace(sas, name string) (string, bool, error) {
	fields, err := r.db.HGetAll(stacktracePrefix + sas).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "reading stacktrace")
	}
	base, ok := fields[name]
	if !ok {
		return "", false, nil
	}
	value := base
	for i := 1; ; i++ {
		chunk, ok := fields[name+"-"+strconv.Itoa(i)]
		if !ok {
			break
		}
		value += chunk
	}
	return value, true, nil
}

// HasFullStacktrace reports whether both a Stacktrace and a ThreadStacktrace
// have been stored for a SAS. Ingest uses this to decide whether an
// already-known signature still needs a fresh core.
func (r *Repository) HasFullStacktrace(sas string) (bool, error) {
	st, ok, err := r.GetStacktrace(sas, "Stacktrace")
	if err != nil || !ok || st == "" {
		return false, err
	}
	ts, ok, err := r.GetStacktrace(sas, "ThreadStacktrace")
	if err != nil || !ok || ts == "" {
		return false, err
	}
	return true, nil
}
