// Package watermillqueue adapts ThreeDotsLabs/watermill to mq.Queue, for
// embedders who already run a watermill message.Router for other traffic
// and want outbound federation deliveries to share its middleware stack
// (correlation IDs, recovery, metrics) rather than run a second poller.
// Queue works over the in-memory gochannel pub/sub only, which suits
// single-process deployments and tests; queued messages do not survive a
// restart.
package watermillqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/klppl/fedcore/mq"
)

// Queue is a watermill-backed mq.Queue. The zero value is not usable; build
// one with New.
type Queue struct {
	pubSub *gochannel.GoChannel
	topic  string
}

// Options configures New.
type Options struct {
	// Topic is the watermill topic deliveries publish/subscribe on.
	// Defaults to "fedcore.outbox".
	Topic string
}

// New builds a Queue backed by an in-process gochannel pub/sub. Only a
// *gochannel.GoChannel is accepted, so messages are held in memory and are
// not shared with other processes.
func New(pubSub *gochannel.GoChannel, opts Options) *Queue {
	topic := opts.Topic
	if topic == "" {
		topic = "fedcore.outbox"
	}
	return &Queue{pubSub: pubSub, topic: topic}
}

// NewInMemory is a convenience constructor wrapping gochannel.NewGoChannel,
// suitable for single-process deployments and tests.
func NewInMemory(opts Options) *Queue {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return New(pubSub, opts)
}

// Enqueue implements mq.Queue. gochannel has no native delayed delivery, so
// a positive delay is honored with a timer goroutine that publishes once it
// elapses; ctx cancellation before then drops the send, matching how the
// sender pipeline's own backoff calls treat a cancelled context.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	msg := message.NewMessage(uuid.NewString(), payload)

	if delay <= 0 {
		return q.pubSub.Publish(q.topic, msg)
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := q.pubSub.Publish(q.topic, msg); err != nil {
				slog.Error("watermillqueue: delayed publish failed", "error", err)
			}
		}
	}()
	return nil
}

// Listen implements mq.Queue by wiring a message.Router with the
// Recoverer/CorrelationID middleware stack, Ack'ing on success and Nack'ing
// (for watermill's own built-in redelivery) only when the handler reports a
// transient failure.
func (q *Queue) Listen(ctx context.Context, handler mq.Handler) error {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		return err
	}
	router.AddMiddleware(middleware.Recoverer, middleware.CorrelationID)

	router.AddNoPublisherHandler("fedcore-outbox-delivery", q.topic, q.pubSub, func(msg *message.Message) error {
		err := handler(msg.Context(), mq.Message{ID: msg.UUID, Payload: msg.Payload})
		if err != nil && mq.IsTransient(err) {
			return err // router Nacks on a returned error, triggering redelivery
		}
		if err != nil {
			slog.Error("watermillqueue: handler failed, dropping", "id", msg.UUID, "error", err)
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		_ = router.Close()
	}()
	return router.Run(ctx)
}
