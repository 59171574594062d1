package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotshare/ledger"
	"slotshare/ledger/memory"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

type fakeStream struct {
	args []*redis.XAddArgs
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStream) Close() error { return nil }

type fakeDedupClient struct {
	keys map[string]bool
}

func (f *fakeDedupClient) SetNX(_ context.Context, key string, _ any, _ time.Duration) *redis.BoolCmd {
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeDedupClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.keys, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func sampleEvent() Event {
	return NewEvent(MembershipJoined, "m-1", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), map[string]any{"listing_id": "l-1"})
}

func TestEnqueue_WritesToEventsTopic(t *testing.T) {
	store := memory.New()
	e := sampleEvent()
	require.NoError(t, store.Transact(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return Enqueue(ctx, tx, e)
	}))

	msgs := store.Messages(ledger.TopicEvents)
	require.Len(t, msgs, 1)
	assert.Equal(t, e.ID, msgs[0].ID)
	assert.Equal(t, "m-1", msgs[0].Key)

	decoded, err := Decode(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, e.DedupKey(), decoded.DedupKey())
}

func TestDecode_RejectsIncompleteEvent(t *testing.T) {
	_, err := Decode([]byte(`{"id":"1"}`))
	assert.Error(t, err)
}

func TestKafkaPublisher_KeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)
	e := sampleEvent()

	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "m-1", string(w.msgs[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, MembershipJoined, got.Type)
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisher(&fakeWriter{err: boom})
	assert.ErrorIs(t, p.Publish(context.Background(), sampleEvent()), boom)
}

func TestConsume_CommitsAfterHandlingAndSkipsGarbage(t *testing.T) {
	e := sampleEvent()
	body, _ := json.Marshal(e)
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("not json")},
		{Offset: 2, Value: body},
	}}

	var handled []string
	err := Consume(context.Background(), r, func(_ context.Context, got Event) error {
		handled = append(handled, got.ID)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, handled)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestRedisStreamPublisher_Fields(t *testing.T) {
	c := &fakeStream{}
	p := NewRedisStreamPublisher(c, "slotshare:events", 1000)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, c.args, 1)
	a := c.args[0]
	assert.Equal(t, "slotshare:events", a.Stream)
	assert.True(t, a.Approx)
	values := a.Values.(map[string]any)
	assert.Equal(t, "membership.joined", values["type"])
	assert.Equal(t, "m-1", values["entity_id"])
}

func TestDedupe_SkipsRedelivery(t *testing.T) {
	stores := map[string]SeenStore{
		"memory": NewMemorySeen(),
		"redis":  NewRedisSeen(&fakeDedupClient{keys: map[string]bool{}}, "seen:"),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			calls := 0
			h := Dedupe(store, time.Hour, func(context.Context, Event) error {
				calls++
				return nil
			})
			e := sampleEvent()
			redelivered := e
			redelivered.ID = "other-transport-id"

			require.NoError(t, h(context.Background(), e))
			require.NoError(t, h(context.Background(), redelivered))
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDedupe_FailedHandlerIsRetried(t *testing.T) {
	store := NewMemorySeen()
	calls := 0
	h := Dedupe(store, time.Hour, func(context.Context, Event) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	e := sampleEvent()

	require.Error(t, h(context.Background(), e))
	require.NoError(t, h(context.Background(), e))
	assert.Equal(t, 2, calls)
}

func TestMemorySeen_Expires(t *testing.T) {
	store := NewMemorySeen()
	now := time.Now()
	store.now = func() time.Time { return now }

	first, _ := store.MarkSeen(context.Background(), "k", time.Minute)
	assert.True(t, first)
	again, _ := store.MarkSeen(context.Background(), "k", time.Minute)
	assert.False(t, again)

	now = now.Add(2 * time.Minute)
	expired, _ := store.MarkSeen(context.Background(), "k", time.Minute)
	assert.True(t, expired)
}
