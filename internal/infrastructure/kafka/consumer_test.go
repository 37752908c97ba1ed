package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type refresherStub struct {
	calls []string
	err   error
}

func (r *refresherStub) RefreshSummary(_ context.Context, collectionID, userID string) error {
	r.calls = append(r.calls, collectionID+"/"+userID)
	return r.err
}

func TestConsumer_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("RefreshesCollection", func(t *testing.T) {
		stub := &refresherStub{}
		c := &Consumer{refresher: stub}
		c.handle(ctx, []byte(`{"scan_id":"s-1","collection_id":"c-1","user_id":"u-1","status":"completed"}`))
		assert.Equal(t, []string{"c-1/u-1"}, stub.calls)
	})

	t.Run("SkipsSingleScans", func(t *testing.T) {
		stub := &refresherStub{}
		c := &Consumer{refresher: stub}
		c.handle(ctx, []byte(`{"scan_id":"s-1","user_id":"u-1","status":"failed"}`))
		assert.Empty(t, stub.calls)
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		stub := &refresherStub{err: errors.New("unused")}
		c := &Consumer{refresher: stub}
		c.handle(ctx, []byte(`{`))
		assert.Empty(t, stub.calls)
	})
}

type recordingProducer struct {
	topic, key string
	value      []byte
}

func (p *recordingProducer) Send(_ context.Context, topic, key string, value []byte) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestPublish(t *testing.T) {
	p := &recordingProducer{}
	Publish(context.Background(), p, "scan-events", "s-1", ScanEvent{ScanID: "s-1", Status: "completed"})
	assert.Equal(t, "scan-events", p.topic)
	assert.Equal(t, "s-1", p.key)
	assert.Contains(t, string(p.value), `"status":"completed"`)

	Publish(context.Background(), nil, "scan-events", "s-1", ScanEvent{})
	assert.NoError(t, NopProducer{}.Send(context.Background(), "t", "k", nil))
}
