package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"PPChat/service/realtime"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	got []realtime.Change
	err error
}

func (s *captureSink) Emit(_ context.Context, c realtime.Change) error {
	s.got = append(s.got, c)
	return s.err
}

func testChange(t *testing.T) realtime.Change {
	t.Helper()
	c, err := realtime.NewChange("messages", realtime.ChangeUpdate,
		map[string]any{"id": "m1", "conversation_id": "c1", "status": "read"}, nil)
	require.NoError(t, err)
	return c
}

func TestChangeProducerEmit(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	c := testChange(t)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got realtime.Change
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != c.ID || got.Table != "messages" {
			return errors.New("unexpected change payload")
		}
		return nil
	})

	p := NewChangeProducerWith(mp, "ppchat.changes")
	require.NoError(t, p.Emit(context.Background(), c))
	require.NoError(t, p.Close())
}

func TestChangeProducerEmitError(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewChangeProducerWith(mp, "ppchat.changes")
	err := p.Emit(context.Background(), testChange(t))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "messages:c1", PartitionKey(testChange(t)))

	old := realtime.Change{Table: "messages", Old: map[string]any{"conversation_id": "c9"}}
	assert.Equal(t, "messages:c9", PartitionKey(old))

	assert.Equal(t, "conversations", PartitionKey(realtime.Change{Table: "conversations"}))
}

func TestChangeHandlerForwards(t *testing.T) {
	sink := &captureSink{}
	c := testChange(t)
	raw, err := json.Marshal(c)
	require.NoError(t, err)

	require.NoError(t, ChangeHandler(sink)("ppchat.changes", nil, raw))
	require.Len(t, sink.got, 1)
	assert.Equal(t, c.ID, sink.got[0].ID)
	assert.Equal(t, "read", sink.got[0].New["status"])
}

func TestChangeHandlerRejectsGarbage(t *testing.T) {
	sink := &captureSink{}
	h := ChangeHandler(sink)
	assert.Error(t, h("ppchat.changes", nil, []byte("not json")))
	assert.Error(t, h("ppchat.changes", nil, []byte(`{"id":"x"}`)))
	assert.Empty(t, sink.got)
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	_, err := r.GetHandler("missing")
	assert.Error(t, err)

	called := false
	r.RegisterHandler("a", func(string, []byte, []byte) error { called = true; return nil })
	h, err := r.GetHandler("a")
	require.NoError(t, err)
	require.NoError(t, h("a", nil, nil))
	assert.True(t, called)
	assert.Equal(t, []string{"a"}, r.Topics())
}

func TestNewRelayRegistersChangeTopic(t *testing.T) {
	r := NewRelay(Config{Brokers: []string{"localhost:9092"}}, &captureSink{})
	assert.Equal(t, []string{"ppchat.changes"}, r.router.Topics())
}
