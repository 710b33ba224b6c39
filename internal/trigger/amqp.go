// Package trigger consumes external "process a batch" requests from AMQP.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/retry"
)

// DefaultQueue is the queue name used when none is configured
const DefaultQueue = "sendqueue_triggers"

// Message asks for one processor invocation
type Message struct {
	BatchSize       int    `json:"batch_size"`
	CampaignID      *int64 `json:"campaign_id,omitempty"`
	AutoMaterialize bool   `json:"auto_materialize"`
}

// Runner runs one bounded processor invocation
type Runner interface {
	Run(ctx context.Context, in job.RunOptions) (*job.BatchResult, error)
}

// AMQPConsumer runs exactly one invocation per delivered trigger message
type AMQPConsumer struct {
	url    string
	queue  string
	runner Runner
	dial   func(url string) (*amqp.Connection, error)
	retry  *retry.RetryConfig
}

// NewAMQPConsumer creates a consumer for the given broker and queue
func NewAMQPConsumer(url, queue string, runner Runner) (*AMQPConsumer, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPConsumer{
		url:    url,
		queue:  queue,
		runner: runner,
		dial:   amqp.Dial,
		retry:  retry.DefaultRetryConfig(),
	}, nil
}

func (c *AMQPConsumer) connect(ctx context.Context) (*amqp.Connection, error) {
	var conn *amqp.Connection
	res := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		var err error
		conn, err = c.dial(c.url)
		return err
	})
	if !res.Success {
		return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", res.Attempts, res.LastError)
	}
	return conn, nil
}

// Run consumes trigger messages until ctx is cancelled or the channel closes
func (c *AMQPConsumer) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).WithField("queue", c.queue)

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	// one unacknowledged trigger at a time keeps invocations sequential per consumer
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("Trigger consumer running, waiting for messages")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle runs the invocation requested by one delivery and settles it.
// Malformed messages are dropped; a failed invocation is requeued once.
func (c *AMQPConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	logger := logging.FromContext(ctx).WithField("delivery_tag", d.DeliveryTag)

	var msg Message
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			logger.WithError(err).Warn("Dropping malformed trigger message")
			d.Ack(false)
			return
		}
	}

	res, err := c.runner.Run(ctx, job.RunOptions{
		BatchSize:       msg.BatchSize,
		CampaignID:      msg.CampaignID,
		AutoMaterialize: msg.AutoMaterialize,
	})
	if err != nil {
		logger.WithError(err).WithField("redelivered", d.Redelivered).Error("Triggered invocation failed")
		d.Nack(false, !d.Redelivered)
		return
	}

	logger.WithFields(map[string]interface{}{
		"claim_token": res.ClaimToken,
		"claimed":     res.Claimed,
		"sent":        res.Sent,
	}).Info("Triggered invocation finished")
	d.Ack(false)
}

// Publisher is the subset of *amqp.Channel used to enqueue triggers
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publish enqueues a trigger message on the default exchange
func Publish(p Publisher, queue string, msg Message) error {
	if queue == "" {
		queue = DefaultQueue
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	return p.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
