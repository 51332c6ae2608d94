package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fleetwork/drover/pkg/logger"
	"github.com/fleetwork/drover/pkg/wire"
)

const (
	publishStreamName  = "DROVER_PUBLISH"
	publishJobsSubject = "drover_publish.jobs"
	publishConsumer    = "publish-router"
)

// Queue is the durable inbound publish queue. Command sources enqueue loads;
// the master drains them through the router so a restart never drops an
// accepted publish job.
type Queue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	consume  jetstream.ConsumeContext
}

func NewQueue(nc *nats.Conn) (*Queue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx := context.Background()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        publishStreamName,
		Description: "Durable queue of accepted publish jobs",
		Subjects:    []string{publishJobsSubject},
		MaxBytes:    10_485_760,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create publish stream: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, publishStreamName, jetstream.ConsumerConfig{
		Name:          publishConsumer,
		Durable:       publishConsumer,
		MaxAckPending: 1000,
		AckWait:       30 * time.Second,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create publish consumer: %w", err)
	}

	return &Queue{js: js, consumer: consumer}, nil
}

// Enqueue persists one publish job. The generated message id deduplicates
// redelivery from retrying producers.
func (q *Queue) Enqueue(load wire.Load) error {
	data, err := json.Marshal(load)
	if err != nil {
		return fmt.Errorf("failed to serialize publish job: %w", err)
	}
	header := nats.Header{}
	header.Add("Nats-Msg-Id", uuid.NewString())
	_, err = q.js.PublishMsg(context.Background(), &nats.Msg{
		Subject: publishJobsSubject,
		Data:    data,
		Header:  header,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue publish job: %w", err)
	}
	return nil
}

// Drain starts consuming jobs into the router. Undecodable jobs are
// terminated, transient publish failures are redelivered.
func (q *Queue) Drain(ctx context.Context, router *Router) error {
	c, err := q.consumer.Consume(func(msg jetstream.Msg) {
		var load wire.Load
		if err := json.Unmarshal(msg.Data(), &load); err != nil {
			logger.Error("Discarding undecodable publish job", err)
			if err := msg.Term(); err != nil {
				logger.Error("Failed to terminate publish job", err)
			}
			return
		}
		if err := router.Publish(ctx, load); err != nil {
			logger.Error("Failed to publish job, will retry", err)
			if err := msg.Nak(); err != nil {
				logger.Error("Failed to nak publish job", err)
			}
			return
		}
		if err := msg.Ack(); err != nil {
			logger.Error("Failed to acknowledge publish job", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start publish consumer: %w", err)
	}
	q.consume = c
	return nil
}

func (q *Queue) Close() {
	if q.consume != nil {
		q.consume.Stop()
	}
}
