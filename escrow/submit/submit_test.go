package submit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowcore/escrow"
)

type fakeTx struct{ name string }

type scriptedBackend struct {
	mu          sync.Mutex
	estimate    uint64
	estimateErr error
	sendErr     error
	inclusion   Inclusion
	awaitBlock  bool

	sent      []uint64
	nonce     uint64
	inSend    int32
	maxInSend int32
}

func (b *scriptedBackend) Estimate(ctx context.Context, tx fakeTx) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *scriptedBackend) Send(ctx context.Context, tx fakeTx, limit uint64) (string, error) {
	current := atomic.AddInt32(&b.inSend, 1)
	defer atomic.AddInt32(&b.inSend, -1)
	for {
		prev := atomic.LoadInt32(&b.maxInSend)
		if current <= prev || atomic.CompareAndSwapInt32(&b.maxInSend, prev, current) {
			break
		}
	}
	if b.sendErr != nil {
		return "", b.sendErr
	}
	time.Sleep(time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
	b.sent = append(b.sent, limit)
	return "0xhandle", nil
}

func (b *scriptedBackend) Await(ctx context.Context, handle string) (Inclusion, error) {
	if b.awaitBlock {
		<-ctx.Done()
		return Inclusion{}, ctx.Err()
	}
	return b.inclusion, nil
}

func TestSubmitAppliesMarginAndConfirms(t *testing.T) {
	backend := &scriptedBackend{estimate: 100_000, inclusion: Inclusion{Success: true, ResourceUsed: 90_000, Height: 12}}
	s, err := New[fakeTx]("celo", backend)
	require.NoError(t, err)

	receipt, err := s.Submit(context.Background(), "createTrade", fakeTx{})
	require.NoError(t, err)
	require.True(t, receipt.Confirmed)
	require.Equal(t, "0xhandle", receipt.Handle)
	require.Equal(t, uint64(120_000), receipt.Limit)
	require.Equal(t, []uint64{120_000}, backend.sent)
	require.Equal(t, uint64(12), receipt.Height)
}

func TestSubmitNeverSendsWhenEstimationFails(t *testing.T) {
	backend := &scriptedBackend{estimateErr: &escrow.RevertError{Reason: "Insufficient quantity"}}
	s, err := New[fakeTx]("celo", backend)
	require.NoError(t, err)

	receipt, err := s.Submit(context.Background(), "buyTrade", fakeTx{})
	require.Nil(t, receipt)
	require.ErrorIs(t, err, escrow.ErrExecutionReverted)
	require.Contains(t, err.Error(), "Insufficient quantity")
	require.Empty(t, backend.sent)

	backend.estimateErr = errors.New("dial tcp: connection refused")
	_, err = s.Submit(context.Background(), "buyTrade", fakeTx{})
	require.ErrorIs(t, err, escrow.ErrChainUnreachable)
	require.Empty(t, backend.sent)
}

func TestSubmitReportsRevertWithoutRetry(t *testing.T) {
	backend := &scriptedBackend{estimate: 21_000, inclusion: Inclusion{Success: false, RevertReason: "Not buyer", ResourceUsed: 30_000}}
	s, err := New[fakeTx]("celo", backend)
	require.NoError(t, err)

	receipt, err := s.Submit(context.Background(), "confirmDelivery", fakeTx{})
	require.Error(t, err)
	var revert *escrow.RevertError
	require.ErrorAs(t, err, &revert)
	require.Equal(t, "Not buyer", revert.Reason)
	require.False(t, receipt.Confirmed)
	require.Equal(t, "Not buyer", receipt.RevertReason)
	require.Len(t, backend.sent, 1)
}

func TestSubmitClassifiesLandedCollision(t *testing.T) {
	reason := "Allocate: account Address { address: 9xQe, base: None } already in use"
	backend := &scriptedBackend{estimate: 21_000, inclusion: Inclusion{Success: false, Collision: true, RevertReason: reason}}
	s, err := New[fakeTx]("solana", backend)
	require.NoError(t, err)

	receipt, err := s.Submit(context.Background(), "createTrade", fakeTx{})
	require.ErrorIs(t, err, escrow.ErrDerivationCollision)
	var revert *escrow.RevertError
	require.False(t, errors.As(err, &revert))
	require.False(t, receipt.Confirmed)
	require.Equal(t, reason, receipt.RevertReason)
	require.Len(t, backend.sent, 1)
}

func TestSubmitLogsChainOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("chain", "celo", "family", "evm")
	backend := &scriptedBackend{estimate: 21_000, inclusion: Inclusion{Success: true}}
	s, err := New[fakeTx]("celo", backend, WithLogger(logger))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "createTrade", fakeTx{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		require.Equal(t, 1, strings.Count(line, `"chain":`), line)
		require.Contains(t, line, `"component":"submitter"`)
	}
}

func TestSubmitAbandonsWhenConfirmationTimesOut(t *testing.T) {
	backend := &scriptedBackend{estimate: 21_000, awaitBlock: true}
	s, err := New[fakeTx]("celo", backend, WithTimeouts(Timeouts{Confirm: 10 * time.Millisecond}))
	require.NoError(t, err)

	receipt, err := s.Submit(context.Background(), "createTrade", fakeTx{})
	require.ErrorIs(t, err, escrow.ErrAbandoned)
	require.Equal(t, "0xhandle", receipt.Handle)
	require.False(t, receipt.Confirmed)
}

func TestSubmitSerialisesSends(t *testing.T) {
	backend := &scriptedBackend{estimate: 21_000, inclusion: Inclusion{Success: true}}
	s, err := New[fakeTx]("celo", backend)
	require.NoError(t, err)

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(context.Background(), "approve", fakeTx{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&backend.maxInSend))
	require.Equal(t, uint64(16), backend.nonce)
}

func TestApplyMarginRoundsUp(t *testing.T) {
	require.Equal(t, uint64(2), ApplyMargin(1, DefaultMargin))
	require.Equal(t, uint64(25_200), ApplyMargin(21_000, DefaultMargin))
}
