package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/job"
)

type ackRecorder struct {
	acks    int
	nacks   int
	requeue []bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeRunner struct {
	calls []job.RunOptions
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, in job.RunOptions) (*job.BatchResult, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &job.BatchResult{ClaimToken: "tok", Claimed: 1, Sent: 1}, nil
}

type fakePublisher struct {
	key string
	msg amqp.Publishing
}

func (f *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return nil
}

func delivery(ack amqp.Acknowledger, body string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body), Redelivered: redelivered}
}

func TestNewAMQPConsumer(t *testing.T) {
	_, err := NewAMQPConsumer("", "", &fakeRunner{})
	assert.Error(t, err)
	_, err = NewAMQPConsumer("amqp://localhost", "", nil)
	assert.Error(t, err)

	c, err := NewAMQPConsumer("amqp://localhost", "", &fakeRunner{})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueue, c.queue)
}

func TestHandleRunsOneInvocation(t *testing.T) {
	runner := &fakeRunner{}
	c, err := NewAMQPConsumer("amqp://localhost", "q", runner)
	require.NoError(t, err)
	ack := &ackRecorder{}

	c.Handle(context.Background(), delivery(ack, `{"batch_size":20,"campaign_id":9,"auto_materialize":true}`, false))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, 20, runner.calls[0].BatchSize)
	require.NotNil(t, runner.calls[0].CampaignID)
	assert.Equal(t, int64(9), *runner.calls[0].CampaignID)
	assert.True(t, runner.calls[0].AutoMaterialize)
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestHandleEmptyBodyRunsDefaultBatch(t *testing.T) {
	runner := &fakeRunner{}
	c, err := NewAMQPConsumer("amqp://localhost", "q", runner)
	require.NoError(t, err)
	ack := &ackRecorder{}

	c.Handle(context.Background(), delivery(ack, "", false))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, job.RunOptions{}, runner.calls[0])
	assert.Equal(t, 1, ack.acks)
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	runner := &fakeRunner{}
	c, err := NewAMQPConsumer("amqp://localhost", "q", runner)
	require.NoError(t, err)
	ack := &ackRecorder{}

	c.Handle(context.Background(), delivery(ack, "{not json", false))

	assert.Empty(t, runner.calls)
	assert.Equal(t, 1, ack.acks)
}

func TestHandleRequeuesFailedInvocationOnce(t *testing.T) {
	runner := &fakeRunner{err: errors.New("claim failed")}
	c, err := NewAMQPConsumer("amqp://localhost", "q", runner)
	require.NoError(t, err)
	ack := &ackRecorder{}

	c.Handle(context.Background(), delivery(ack, `{}`, false))
	c.Handle(context.Background(), delivery(ack, `{}`, true))

	assert.Equal(t, 2, ack.nacks)
	assert.Equal(t, []bool{true, false}, ack.requeue)
	assert.Zero(t, ack.acks)
}

func TestPublish(t *testing.T) {
	p := &fakePublisher{}
	id := int64(4)
	require.NoError(t, Publish(p, "", Message{BatchSize: 10, CampaignID: &id}))

	assert.Equal(t, DefaultQueue, p.key)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)

	var got Message
	require.NoError(t, json.Unmarshal(p.msg.Body, &got))
	assert.Equal(t, 10, got.BatchSize)
	assert.Equal(t, int64(4), *got.CampaignID)
}
