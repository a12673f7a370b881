package kafka

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// fetchStep is one scripted FetchMessage result.
type fetchStep struct {
	msg kafka.Message
	err error
}

type fakeReader struct {
	steps     []fetchStep
	fetches   int
	committed []kafka.Message
	commitErr error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if r.fetches >= len(r.steps) {
		return kafka.Message{}, io.EOF
	}
	st := r.steps[r.fetches]
	r.fetches++
	return st.msg, st.err
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{steps: []fetchStep{{msg: kafka.Message{Key: []byte("k"), Value: []byte("v")}}}}
	c := newConsumerWithReader(fr, time.Millisecond)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(_ context.Context, k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.ErrorIs(t, err, io.EOF)
	require.Contains(t, err.Error(), "fetch message")
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{steps: []fetchStep{{msg: kafka.Message{Key: []byte("k"), Value: []byte("v"), Offset: 7}}}}
	c := newConsumerWithReader(fr, time.Millisecond)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(context.Context, []byte, []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_RetriesFailedFetch(t *testing.T) {
	fr := &fakeReader{steps: []fetchStep{
		{err: errors.New("leader not available")},
		{err: errors.New("leader not available")},
		{msg: kafka.Message{Value: []byte("a"), Offset: 1}},
	}}
	c := newConsumerWithReader(fr, time.Millisecond)

	var got []string
	err := c.Consume(context.Background(), func(_ context.Context, _, v []byte) error {
		got = append(got, string(v))
		return nil
	})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"a"}, got)
	require.Equal(t, 3, fr.fetches)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fr := &fakeReader{steps: []fetchStep{{msg: kafka.Message{Value: []byte("a")}}}}
	c := newConsumerWithReader(fr, time.Hour)

	err := c.Consume(ctx, func(context.Context, []byte, []byte) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConsumer_Consume_CommitErrorNamesOffset(t *testing.T) {
	fr := &fakeReader{
		steps:     []fetchStep{{msg: kafka.Message{Value: []byte("a"), Offset: 42}}},
		commitErr: errors.New("rebalance in progress"),
	}
	c := newConsumerWithReader(fr, time.Millisecond)

	err := c.Consume(context.Background(), func(context.Context, []byte, []byte) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "commit offset 42")
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:0"}, Topic: "t", GroupID: "g"})
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
