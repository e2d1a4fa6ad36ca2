package queue

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/daisy-project/daisy/internal/configuration"
)

// PulsarQueue implements Publisher and produces Consumers backed by a shared
// Pulsar client. Producers are created lazily per topic and reused.
type PulsarQueue struct {
	client pulsar.Client
	window time.Duration

	mu        sync.Mutex
	producers map[string]pulsar.Producer
}

func Connect(config configuration.PulsarConfig) (*PulsarQueue, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to pulsar")
	}
	window := config.PublishRetryWindow
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &PulsarQueue{
		client:    client,
		window:    window,
		producers: map[string]pulsar.Producer{},
	}, nil
}

func (q *PulsarQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, producer := range q.producers {
		producer.Close()
	}
	q.producers = map[string]pulsar.Producer{}
	q.client.Close()
}

func (q *PulsarQueue) producer(topic string) (pulsar.Producer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if producer, ok := q.producers[topic]; ok {
		return producer, nil
	}
	producer, err := q.client.CreateProducer(pulsar.ProducerOptions{
		Topic:           topic,
		DisableBatching: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating producer for %s", topic)
	}
	q.producers[topic] = producer
	return producer, nil
}

// Publish sends one durable message, retrying with backoff while the broker
// is unreachable. Once the retry window is exhausted the error is returned
// and the caller is expected to exit rather than silently lose the job.
func (q *PulsarQueue) Publish(ctx context.Context, topic string, body []byte, submitted time.Time) error {
	deadline, cancel := context.WithTimeout(ctx, q.window)
	defer cancel()

	err := retry.Do(
		func() error {
			producer, err := q.producer(topic)
			if err != nil {
				return err
			}
			_, err = producer.Send(deadline, &pulsar.ProducerMessage{
				Payload:   body,
				EventTime: submitted,
			})
			return err
		},
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return deadline.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("publish to %s failed, retrying (attempt %d)", topic, n+1)
		}),
	)
	return errors.Wrapf(err, "publishing to %s", topic)
}

// Subscribe opens a shared subscription on the topic with a prefetch of one,
// so a slow retrace never holds more than a single undelivered job away from
// the other workers.
func (q *PulsarQueue) Subscribe(topic, subscription string) (Consumer, error) {
	consumer, err := q.client.Subscribe(pulsar.ConsumerOptions{
		Topic:             topic,
		SubscriptionName:  subscription,
		Type:              pulsar.Shared,
		ReceiverQueueSize: 1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", topic)
	}
	return &pulsarConsumer{consumer: consumer}, nil
}

type pulsarConsumer struct {
	consumer pulsar.Consumer
}

func (c *pulsarConsumer) Receive(ctx context.Context) (*Delivery, error) {
	msg, err := c.consumer.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		Body:      msg.Payload(),
		Timestamp: msg.EventTime(),
		ack:       func() { c.consumer.Ack(msg) },
		nack:      func() { c.consumer.Nack(msg) },
	}, nil
}

func (c *pulsarConsumer) Close() {
	c.consumer.Close()
}
