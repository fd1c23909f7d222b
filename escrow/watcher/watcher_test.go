package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"escrowcore/escrow"
	"escrowcore/storage"
)

func TestEVMSourceAnchorsAtSafeHead(t *testing.T) {
	client := &fakeLogClient{head: 100}
	source := NewEVMSource(client, fakeLogDecoder{}, SourceConfig{Confirmations: 5})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "celo"})
	require.NoError(t, err)
	require.Empty(t, batch.Observations)
	require.Equal(t, uint64(95), batch.Next.Height)
	require.Empty(t, client.queries)
}

func TestEVMSourcePagesConfirmedBlocks(t *testing.T) {
	removed := testLog(14, 0, 9)
	removed.Removed = true
	client := &fakeLogClient{
		head: 40,
		logs: []types.Log{testLog(12, 3, 7), removed, testLog(25, 0, 8), testLog(33, 1, 9)},
	}
	source := NewEVMSource(client, fakeLogDecoder{}, SourceConfig{Confirmations: 5, BatchSize: 10, MaxPages: 2})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "celo", Height: 10})
	require.NoError(t, err)
	require.Len(t, client.queries, 2)
	require.Equal(t, uint64(11), client.queries[0].FromBlock.Uint64())
	require.Equal(t, uint64(20), client.queries[0].ToBlock.Uint64())
	require.Equal(t, uint64(30), client.queries[1].ToBlock.Uint64())
	require.Equal(t, testContract, client.queries[0].Addresses[0])

	require.Equal(t, uint64(30), batch.Next.Height)
	require.Len(t, batch.Observations, 2)
	require.Equal(t, uint64(7), batch.Observations[0].RecordID())
	require.Equal(t, 3, batch.Observations[0].Index)
	require.Equal(t, uint64(12), batch.Observations[0].Height)
	require.Equal(t, testLog(12, 3, 7).TxHash.Hex(), batch.Observations[0].Handle)

	batch, err = source.Poll(context.Background(), batch.Next)
	require.NoError(t, err)
	require.Equal(t, uint64(35), batch.Next.Height)
	require.Len(t, batch.Observations, 1)
}

func TestEVMSourceKeepsCompletedPagesOnFailure(t *testing.T) {
	client := &fakeLogClient{head: 100, err: errors.New("connection reset")}
	source := NewEVMSource(client, fakeLogDecoder{}, SourceConfig{BatchSize: 10})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "celo", Height: 50})
	require.ErrorIs(t, err, escrow.ErrChainUnreachable)
	require.Equal(t, uint64(50), batch.Next.Height)
}

func TestPDASourceAnchorsAtNewestSignature(t *testing.T) {
	client := &fakeSignatureClient{}
	client.add(1, 10, []string{"purchase 1"}, false)
	client.add(2, 11, []string{"purchase 2"}, false)
	source := NewPDASource(client, fakeProgramDecoder{}, "", SourceConfig{})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "solana"})
	require.NoError(t, err)
	require.Empty(t, batch.Observations)
	require.Equal(t, sig(2).String(), batch.Next.Signature)
	require.Equal(t, uint64(11), batch.Next.Height)
}

func TestPDASourceWalksOldestFirstAcrossPages(t *testing.T) {
	client := &fakeSignatureClient{}
	client.add(1, 10, []string{"purchase 1"}, false)
	client.add(2, 11, []string{"Program log: other", "purchase 2"}, false)
	client.add(3, 12, nil, true)
	client.add(4, 13, []string{"purchase 4"}, false)
	source := NewPDASource(client, fakeProgramDecoder{}, "", SourceConfig{BatchSize: 2})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "solana", Height: 10, Signature: sig(1).String()})
	require.NoError(t, err)
	require.Equal(t, 2, client.pages)
	require.Len(t, batch.Observations, 2)
	require.Equal(t, uint64(2), batch.Observations[0].RecordID())
	require.Equal(t, 1, batch.Observations[0].Index)
	require.Equal(t, uint64(4), batch.Observations[1].RecordID())
	require.Equal(t, sig(4).String(), batch.Next.Signature)
	require.Equal(t, uint64(13), batch.Next.Height)
}

func TestPDASourceStopsAtUnindexedTransaction(t *testing.T) {
	client := &fakeSignatureClient{}
	client.add(1, 10, []string{"purchase 1"}, false)
	client.add(2, 11, []string{"purchase 2"}, false)
	client.add(3, 12, nil, false)
	client.add(4, 13, []string{"purchase 4"}, false)
	source := NewPDASource(client, fakeProgramDecoder{}, "", SourceConfig{})

	batch, err := source.Poll(context.Background(), storage.Cursor{Chain: "solana", Signature: sig(1).String()})
	require.NoError(t, err)
	require.Len(t, batch.Observations, 1)
	require.Equal(t, sig(2).String(), batch.Next.Signature)
}

func TestPDASourceRejectsCorruptCursor(t *testing.T) {
	source := NewPDASource(&fakeSignatureClient{}, fakeProgramDecoder{}, "", SourceConfig{})
	_, err := source.Poll(context.Background(), storage.Cursor{Chain: "solana", Signature: "not-a-signature"})
	require.ErrorIs(t, err, escrow.ErrInvalidArgument)
}

func TestWatcherAdvancesCursorOnlyAfterEverySink(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	obs := []Observation{{Chain: "celo", Handle: "0xabc", Height: 21, Index: 0, Name: escrow.EventTradeCreated, Event: escrow.TradeCreated{TradeID: 5}}}
	source := &fakeSource{chain: "celo", poll: func(from storage.Cursor) (Batch, error) {
		return Batch{Observations: obs, Next: storage.Cursor{Height: 30}}, nil
	}}
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second", failNext: true}
	w, err := New(source, store, []Sink{first, second}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = w.PollOnce(ctx)
	require.ErrorContains(t, err, "sink second")
	cursor, err := store.LoadCursor(ctx, "celo")
	require.NoError(t, err)
	require.Zero(t, cursor.Height)
	require.Contains(t, w.Status().LastError, "sink offline")

	n, err := w.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, first.delivered, 2)
	require.Len(t, second.delivered, 1)

	cursor, err = store.LoadCursor(ctx, "celo")
	require.NoError(t, err)
	require.Equal(t, uint64(30), cursor.Height)
	status := w.Status()
	require.Equal(t, uint64(30), status.Height)
	require.Equal(t, uint64(1), status.Events)
	require.Empty(t, status.LastError)
	require.Zero(t, source.seen[1].Height)
}

func TestWatcherSavesPartialProgressAndReportsError(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	source := &fakeSource{chain: "celo", poll: func(from storage.Cursor) (Batch, error) {
		return Batch{Next: storage.Cursor{Height: 12}}, escrow.Unreachable("filter logs", errors.New("timeout"))
	}}
	w, err := New(source, store, nil)
	require.NoError(t, err)

	_, err = w.PollOnce(ctx)
	require.ErrorIs(t, err, escrow.ErrChainUnreachable)
	cursor, err := store.LoadCursor(ctx, "celo")
	require.NoError(t, err)
	require.Equal(t, uint64(12), cursor.Height)
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	store := openStore(t)
	polled := make(chan struct{}, 1)
	source := &fakeSource{chain: "celo", poll: func(from storage.Cursor) (Batch, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return Batch{Next: from}, nil
	}}
	w, err := New(source, store, nil, WithInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	<-polled
	cancel()
	require.NoError(t, <-done)
}

func TestStoreSinkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sink := NewStoreSink(store)
	batch := []Observation{
		{Chain: "celo", Handle: "0xabc", Height: 21, Index: 0, Name: escrow.EventTradeCreated, Event: escrow.TradeCreated{TradeID: 5}},
		{Chain: "celo", Handle: "0xabc", Height: 21, Index: 1, Name: escrow.EventPurchaseCreated, Err: escrow.Malformed(escrow.EventPurchaseCreated, "short data")},
	}
	require.NoError(t, sink.Deliver(ctx, batch))
	require.NoError(t, sink.Deliver(ctx, batch))

	rows, err := store.ListEvents(ctx, storage.EventFilter{Chain: "celo"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, escrow.EventPurchaseCreated, escrow.EventName(rows[0].Name))
	require.Contains(t, rows[0].Error, "short data")
	require.Equal(t, uint64(5), rows[1].RecordID)
	require.Contains(t, rows[1].Payload, `"TradeID":5`)
}

func TestKafkaSinkPublishesRecords(t *testing.T) {
	producer := &fakeProducer{}
	sink, err := NewKafkaSink(producer, "escrow-events")
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), []Observation{
		{Chain: "solana", Handle: "5sig", Height: 9, Index: 2, Name: escrow.EventPurchaseCreated, Event: escrow.PurchaseCreated{PurchaseID: 77}},
	})
	require.NoError(t, err)
	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	require.Equal(t, "escrow-events", *msg.TopicPartition.Topic)
	require.Equal(t, "solana:5sig:2", string(msg.Key))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	require.Equal(t, "PurchaseCreated", rec["name"])
	require.EqualValues(t, 77, rec["recordId"])

	sink.Close()
	require.True(t, producer.closed)
}

func TestKafkaSinkReportsFailedDelivery(t *testing.T) {
	producer := &fakeProducer{failWith: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)}
	sink, err := NewKafkaSink(producer, "escrow-events")
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), []Observation{{Chain: "celo", Handle: "0x1", Name: escrow.EventDisputeRaised}})
	require.ErrorContains(t, err, "deliver to escrow-events")

	_, err = NewKafkaSink(producer, " ")
	require.Error(t, err)
}
