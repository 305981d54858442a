// Package queue implements a Redis-backed durable job queue: enqueue,
// blocking lease, attempt accounting, retry with exponential backoff,
// stalled-job requeue, retention cleanup, and lifecycle events. Redis is
// the sole source of truth for job state; nothing is cached in memory.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// ErrJobNotFound is returned when a job ID has no hash in Redis.
var ErrJobNotFound = errors.New("job not found")

// Job is one durable report request.
type Job struct {
	ID           string
	UseCase      string
	Recipient    string
	Filters      map[string]string
	AttemptsMade int
	MaxAttempts  int
	State        State
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	Result       string
	FailedReason string
}

// hashFields serializes the job for HSET.
func (j *Job) hashFields() (map[string]any, error) {
	filters, err := json.Marshal(j.Filters)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}

	fields := map[string]any{
		"useCase":      j.UseCase,
		"recipient":    j.Recipient,
		"filters":      string(filters),
		"attemptsMade": j.AttemptsMade,
		"maxAttempts":  j.MaxAttempts,
		"state":        string(j.State),
		"createdAt":    j.CreatedAt.UnixMilli(),
	}
	if j.ProcessedOn != nil {
		fields["processedOn"] = j.ProcessedOn.UnixMilli()
	}
	if j.FinishedOn != nil {
		fields["finishedOn"] = j.FinishedOn.UnixMilli()
	}
	if j.Result != "" {
		fields["result"] = j.Result
	}
	if j.FailedReason != "" {
		fields["failedReason"] = j.FailedReason
	}
	return fields, nil
}

// jobFromHash deserializes a job from its Redis hash.
func jobFromHash(id string, hash map[string]string) (*Job, error) {
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	j := &Job{
		ID:           id,
		UseCase:      hash["useCase"],
		Recipient:    hash["recipient"],
		State:        State(hash["state"]),
		Result:       hash["result"],
		FailedReason: hash["failedReason"],
	}

	if raw := hash["filters"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters of job %s: %w", id, err)
		}
	}

	j.AttemptsMade, _ = strconv.Atoi(hash["attemptsMade"])
	j.MaxAttempts, _ = strconv.Atoi(hash["maxAttempts"])

	if ms, err := strconv.ParseInt(hash["createdAt"], 10, 64); err == nil {
		j.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(hash["processedOn"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		j.ProcessedOn = &t
	}
	if ms, err := strconv.ParseInt(hash["finishedOn"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		j.FinishedOn = &t
	}

	return j, nil
}
