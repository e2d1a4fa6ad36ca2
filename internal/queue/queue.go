// Package queue carries retrace jobs between the submission handlers and the
// retracer workers: one durable queue per architecture, a second-chance
// failed queue per architecture, and the recount topic consumed outside this
// service. Message bodies are "<oops_id>:<provider>"; the submission time
// rides along as the event timestamp and is used to measure end-to-end
// retrace latency and to age out stale jobs.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const RecountTopic = "recount"

func RetraceTopic(arch string) string {
	return "retrace_" + arch
}

func FailedRetraceTopic(arch string) string {
	return "failed_retrace_" + arch
}

// EncodeJob builds a retrace job body naming the OOPS and the blob provider
// holding its core.
func EncodeJob(oopsID, provider string) []byte {
	return []byte(oopsID + ":" + provider)
}

// DecodeJob splits a retrace job body. The provider name may itself contain
// colons in older deployments, so only the first separator counts.
func DecodeJob(body []byte) (oopsID, provider string, err error) {
	parts := strings.SplitN(string(body), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("malformed retrace job %q", string(body))
	}
	return parts[0], parts[1], nil
}

// Delivery is one received message with its acknowledgement handles. Exactly
// one of Ack or Nack must be called; not calling either leaves the message
// unacked for redelivery, which is the deliberate behaviour when a worker is
// terminated mid-job.
type Delivery struct {
	Body []byte

	// Submission time from the message event timestamp; zero when the
	// message predates timestamping.
	Timestamp time.Time

	ack  func()
	nack func()
}

func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Publisher publishes durable messages. Implementations retry in-process
// while the broker is unreachable and only fail once the retry window is
// exhausted; callers treat a returned error as fatal for the process.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte, submitted time.Time) error
}

// Consumer receives messages one at a time; no further message is delivered
// until the previous one is acked or nacked.
type Consumer interface {
	Receive(ctx context.Context) (*Delivery, error)
	Close()
}
