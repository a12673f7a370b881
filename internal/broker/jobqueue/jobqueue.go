package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Queue puts jobs on the jobs topic.
type Queue struct {
	pub        publisher
	topic      string
	maxRetries int
	now        func() time.Time
}

func New(pub publisher, topic string, maxRetries int) *Queue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{pub: pub, topic: topic, maxRetries: maxRetries, now: time.Now}
}

// Enqueue publishes a new job of kind with payload marshalled as JSON. key
// picks the partition; jobs with the same key are consumed in order.
func (q *Queue) Enqueue(ctx context.Context, kind, key string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal job payload")
		}
		raw = b
	}
	return q.publish(ctx, key, messages.Job{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    raw,
		MaxRetries: q.maxRetries,
		EnqueuedAt: q.now().UTC(),
	})
}

// Retry republishes job with its attempt counter advanced. It reports false
// when the job has no retries left.
func (q *Queue) Retry(ctx context.Context, key string, job messages.Job) (bool, error) {
	if job.Attempt+1 > job.MaxRetries {
		return false, nil
	}
	job.Attempt++
	job.EnqueuedAt = q.now().UTC()
	if err := q.publish(ctx, key, job); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) publish(ctx context.Context, key string, job messages.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if key == "" {
		key = job.Kind
	}
	if err := q.pub.Publish(ctx, q.topic, []byte(key), b); err != nil {
		return errors.Wrapf(err, "enqueue %s", job.Kind)
	}
	return nil
}
