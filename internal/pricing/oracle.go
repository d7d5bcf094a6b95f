// Package pricing keeps a cached exchange rate and converts fiat prices to
// native ledger units.
package pricing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/market"
	"github.com/fixmypic/service_layer/internal/metrics"
)

// DefaultRefreshInterval is how long a quote is considered fresh.
const DefaultRefreshInterval = 60 * time.Second

const fetchTimeout = 10 * time.Second

// ErrNoQuote is returned when no rate has ever been fetched successfully.
var ErrNoQuote = svcerrors.Unavailable("exchange rate not available yet", nil)

// RateSource fetches the current exchange rate.
type RateSource interface {
	LatestRate(ctx context.Context) (market.Rate, error)
}

// RateSourceFunc adapts a function to RateSource.
type RateSourceFunc func(ctx context.Context) (market.Rate, error)

func (f RateSourceFunc) LatestRate(ctx context.Context) (market.Rate, error) {
	return f(ctx)
}

// Oracle caches the latest rate and refreshes it in the background. Readers
// never wait on the network once a first quote exists.
type Oracle struct {
	source   RateSource
	log      *logging.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	now      func() time.Time

	quoteMu sync.RWMutex
	quote   *market.PriceQuote

	flight singleflight.Group

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewOracle creates an oracle over source. interval <= 0 uses the default.
func NewOracle(source RateSource, interval time.Duration, log *logging.Logger, m *metrics.Metrics) *Oracle {
	if log == nil {
		log = logging.NewDefault("price-oracle")
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Oracle{
		source:   source,
		log:      log,
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

func (o *Oracle) Name() string { return "price-oracle" }

// Rate returns the cached quote. A stale quote triggers one background
// refresh and is returned as is. Only before the first successful fetch does
// Rate wait on the source, and then ErrNoQuote is returned on failure.
func (o *Oracle) Rate(ctx context.Context) (market.PriceQuote, error) {
	if quote, ok := o.cached(); ok {
		if quote.Age(o.now()) > o.interval {
			o.refreshAsync()
		}
		return quote, nil
	}

	ch := o.flight.DoChan("refresh", func() (interface{}, error) {
		o.refresh(context.Background())
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
		return market.PriceQuote{}, ctx.Err()
	}

	if quote, ok := o.cached(); ok {
		return quote, nil
	}
	return market.PriceQuote{}, ErrNoQuote
}

// Refresh fetches a new rate now. Failures keep the previous quote.
func (o *Oracle) Refresh(ctx context.Context) error {
	_, err, _ := o.flight.Do("refresh", func() (interface{}, error) {
		return nil, o.refresh(ctx)
	})
	return err
}

func (o *Oracle) refreshAsync() {
	// Result delivered on a buffered channel nobody reads; the group
	// guarantees a single fetch in flight.
	o.flight.DoChan("refresh", func() (interface{}, error) {
		o.refresh(context.Background())
		return nil, nil
	})
}

func (o *Oracle) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	rate, err := o.source.LatestRate(ctx)
	if err == nil && !rate.Valid() {
		err = svcerrors.Conversion("rate source returned a non-positive rate", nil)
	}
	if err != nil {
		o.metrics.RecordOracleRefresh(false, time.Time{})
		o.log.WithError(err).Warn("exchange rate refresh failed, keeping previous quote")
		return err
	}

	fetchedAt := o.now()
	o.quoteMu.Lock()
	o.quote = &market.PriceQuote{Rate: rate, FetchedAt: fetchedAt}
	o.quoteMu.Unlock()

	o.metrics.RecordOracleRefresh(true, fetchedAt)
	o.log.WithField("rate", rate.String()).Debug("exchange rate refreshed")
	return nil
}

func (o *Oracle) cached() (market.PriceQuote, bool) {
	o.quoteMu.RLock()
	defer o.quoteMu.RUnlock()
	if o.quote == nil {
		return market.PriceQuote{}, false
	}
	return *o.quote, true
}

// Start runs an initial fetch and then refreshes on every interval.
func (o *Oracle) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.Refresh(runCtx)

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				_ = o.Refresh(runCtx)
			}
		}
	}()

	o.log.WithField("interval", o.interval.String()).Info("price oracle started")
	return nil
}

func (o *Oracle) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.log.Info("price oracle stopped")
	return nil
}
