// Package callback delivers terminal-state webhooks. Events flow
// through an in-process watermill pub/sub so delivery retries never
// block a worker slot; the Retry middleware gives at-least-once
// semantics with exponential backoff. Receivers deduplicate on job_id.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/log"
)

const topic = "job_callbacks"

// Event is the webhook body. Exactly one of Result and Error is set.
type Event struct {
	JobID  string        `json:"job_id"`
	State  job.State     `json:"state"`
	Result *parse.Result `json:"result,omitempty"`
	Error  *job.Error    `json:"error,omitempty"`
}

const metadataURL = "callback_url"

type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

type Notifier struct {
	pubSub  *gochannel.GoChannel
	router  *message.Router
	client  *http.Client
	metrics *metrics.Service
}

func NewNotifier(cfg Config, m *metrics.Service) (*Notifier, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		pubSub:  pubSub,
		router:  router,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		// acks the message once the retries are spent, so the gochannel
		// does not redeliver it
		func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				msgs, err := h(msg)
				if err != nil {
					log.Error(err, "callback dropped after retries", "url", msg.Metadata.Get(metadataURL))
					return nil, nil
				}
				return msgs, nil
			}
		},
		middleware.Retry{
			MaxRetries:      cfg.MaxAttempts - 1,
			InitialInterval: cfg.BackoffBase,
			Multiplier:      2,
			Logger:          logger,
		}.Middleware,
	)

	router.AddNoPublisherHandler(
		"callback_dispatcher",
		topic,
		pubSub,
		n.deliver,
	)

	return n, nil
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	return n.router.Run(ctx)
}

func (n *Notifier) Close() error {
	return n.router.Close()
}

// Publish enqueues one webhook delivery. A terminal job state is never
// reverted on delivery failure; the event is simply dropped after the
// retries run out.
func (n *Notifier) Publish(url string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal callback event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataURL, url)
	return n.pubSub.Publish(topic, msg)
}

func (n *Notifier) deliver(msg *message.Message) error {
	url := msg.Metadata.Get(metadataURL)
	if url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		log.Error(err, "invalid callback request", "url", url)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.metrics.CallbackFailed()
		return fmt.Errorf("callback POST failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.metrics.CallbackFailed()
		return fmt.Errorf("callback POST returned %d", resp.StatusCode)
	}

	n.metrics.CallbackSent()
	return nil
}
