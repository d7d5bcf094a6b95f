package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
)

type scriptedSource struct {
	calls int32
	mu    sync.Mutex
	rate  market.Rate
	err   error
	gate  chan struct{}
}

func (s *scriptedSource) LatestRate(ctx context.Context) (market.Rate, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return market.Rate{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.err
}

func (s *scriptedSource) set(rate market.Rate, err error) {
	s.mu.Lock()
	s.rate, s.err = rate, err
	s.mu.Unlock()
}

func TestOracle_FirstCallFetchesSynchronously(t *testing.T) {
	src := &scriptedSource{rate: market.NewRate(2000_00, 2)}
	o := NewOracle(src, time.Minute, logging.NewNop(), nil)

	quote, err := o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2000.00", quote.Rate.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	// Fresh quote does not hit the source again.
	_, err = o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestOracle_NoQuoteBeforeFirstSuccess(t *testing.T) {
	src := &scriptedSource{err: errors.New("rpc down")}
	o := NewOracle(src, time.Minute, logging.NewNop(), nil)

	_, err := o.Rate(context.Background())
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestOracle_FailedRefreshKeepsPreviousQuote(t *testing.T) {
	src := &scriptedSource{rate: market.NewRate(2000_00, 2)}
	o := NewOracle(src, time.Minute, logging.NewNop(), nil)
	require.NoError(t, o.Refresh(context.Background()))

	src.set(market.Rate{}, errors.New("rpc down"))
	assert.Error(t, o.Refresh(context.Background()))

	quote, err := o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2000.00", quote.Rate.String())
}

func TestOracle_RejectsNonPositiveRate(t *testing.T) {
	src := &scriptedSource{rate: market.NewRate(2000_00, 2)}
	o := NewOracle(src, time.Minute, logging.NewNop(), nil)
	require.NoError(t, o.Refresh(context.Background()))

	src.set(market.NewRate(0, 2), nil)
	assert.Error(t, o.Refresh(context.Background()))

	quote, _ := o.Rate(context.Background())
	assert.Equal(t, "2000.00", quote.Rate.String())
}

func TestOracle_StaleQuoteReturnedWithoutBlocking(t *testing.T) {
	src := &scriptedSource{rate: market.NewRate(2000_00, 2)}
	o := NewOracle(src, time.Minute, logging.NewNop(), nil)
	require.NoError(t, o.Refresh(context.Background()))

	// Age the quote and block the next fetch.
	base := time.Now()
	o.now = func() time.Time { return base.Add(2 * time.Minute) }
	src.gate = make(chan struct{})
	src.set(market.NewRate(2100_00, 2), nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		quote, err := o.Rate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2000.00", quote.Rate.String())
	}
	assert.Less(t, time.Since(start), time.Second)

	// Exactly one refresh in flight despite five stale reads.
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 2 }, time.Second, 5*time.Millisecond)
	close(src.gate)

	assert.Eventually(t, func() bool {
		quote, _ := o.Rate(context.Background())
		return quote.Rate.String() == "2100.00"
	}, time.Second, 5*time.Millisecond)
}

func TestOracle_StartStop(t *testing.T) {
	src := &scriptedSource{rate: market.NewRate(2000_00, 2)}
	o := NewOracle(src, 10*time.Millisecond, logging.NewNop(), nil)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) >= 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, "price-oracle", o.Name())
}
