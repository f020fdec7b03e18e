package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeProducer records produced records and answers each promise with failWith.
type fakeProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	failWith error
	flushed  bool
	closed   bool
}

func (p *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	r.Topic = "audit-webhooks"
	promise(r, p.failWith)
}

func (p *fakeProducer) Flush(context.Context) error {
	p.flushed = true
	return nil
}

func (p *fakeProducer) Close() { p.closed = true }

// syncBuffer is a log sink safe for promise callbacks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestKafkaNotifier_ProducesKeyedRecord(t *testing.T) {
	p := &fakeProducer{}
	var logs syncBuffer
	k := newKafkaNotifier(p, slog.New(slog.NewTextHandler(&logs, nil)))

	n := notification("acme")
	n.Category, n.Action = "auth", "login"
	require.NoError(t, k.Notify(context.Background(), n))

	require.Len(t, p.records, 1)
	assert.Equal(t, "acme", string(p.records[0].Key))
	var decoded Notification
	require.NoError(t, json.Unmarshal(p.records[0].Value, &decoded))
	assert.Equal(t, n.EventID, decoded.EventID)
	assert.Equal(t, "login", decoded.Action)
	assert.Empty(t, logs.String())

	require.NoError(t, k.Close(context.Background()))
	assert.True(t, p.flushed)
	assert.True(t, p.closed)
}

func TestKafkaNotifier_DeliveryFailureIsLogged(t *testing.T) {
	p := &fakeProducer{failWith: errors.New("broker unavailable")}
	var logs syncBuffer
	k := newKafkaNotifier(p, slog.New(slog.NewTextHandler(&logs, nil)))

	require.NoError(t, k.Notify(context.Background(), notification("acme")))
	assert.Contains(t, logs.String(), "webhook trigger not delivered to kafka")
	assert.Contains(t, logs.String(), "e-acme")
	assert.Contains(t, logs.String(), "broker unavailable")
}

func TestNewKafkaNotifier_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	_, err := NewKafkaNotifier(KafkaConfig{Topic: "t"}, logger)
	assert.Error(t, err)
	_, err = NewKafkaNotifier(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, logger)
	assert.Error(t, err)
}

// xaddRecorder answers commands in place of a Redis server.
type xaddRecorder struct {
	mu   sync.Mutex
	args [][]interface{}
	err  error
}

func (h *xaddRecorder) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *xaddRecorder) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		h.args = append(h.args, cmd.Args())
		h.mu.Unlock()
		if h.err != nil {
			cmd.SetErr(h.err)
			return h.err
		}
		if c, ok := cmd.(*redis.StringCmd); ok {
			c.SetVal("1-0")
		}
		return nil
	}
}

func (h *xaddRecorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func newHookedClient(h *xaddRecorder) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(h)
	return client
}

func TestRedisNotifier_XAdd(t *testing.T) {
	h := &xaddRecorder{}
	client := newHookedClient(h)
	r := NewRedisNotifierWithClient(client, RedisConfig{Stream: "strata:webhooks", MaxLen: 1000})
	defer r.Close()

	require.NoError(t, r.Notify(context.Background(), notification("acme")))

	require.Len(t, h.args, 1)
	args := h.args[0]
	assert.Equal(t, "xadd", args[0])
	assert.Equal(t, "strata:webhooks", args[1])
	assert.Equal(t, []interface{}{"maxlen", "~", int64(1000)}, args[2:5])
	fields := map[string]interface{}{}
	for i := 6; i+1 < len(args); i += 2 {
		fields[args[i].(string)] = args[i+1]
	}
	assert.Equal(t, "e-acme", fields["event_id"])
	assert.Equal(t, "acme", fields["tenant"])
	assert.Contains(t, string(fields["payload"].([]byte)), `"event_id":"e-acme"`)
}

func TestRedisNotifier_Errors(t *testing.T) {
	h := &xaddRecorder{err: errors.New("READONLY You can't write against a read only replica")}
	r := NewRedisNotifierWithClient(newHookedClient(h), RedisConfig{Stream: "s"})
	defer r.Close()

	err := r.Notify(context.Background(), notification("acme"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd s")
	assert.Contains(t, err.Error(), "READONLY")
	assert.Equal(t, 2*time.Second, r.timeout)

	_, err = NewRedisNotifier(context.Background(), RedisConfig{URL: "redis://localhost:6379"})
	assert.Error(t, err, "a stream is required")
	_, err = NewRedisNotifier(context.Background(), RedisConfig{URL: "://bad", Stream: "s"})
	assert.Error(t, err)
}
