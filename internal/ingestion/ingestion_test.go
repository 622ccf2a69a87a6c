package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type ackRecorder struct {
	acks, naks int
}

func (r *ackRecorder) raw(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	raw := rawFromJSON(t, subject, v)
	raw.AckFunc = func() { r.acks++ }
	raw.NakFunc = func() { r.naks++ }
	return raw
}

func TestPriceSubscriber_HandleAppliesToFeed(t *testing.T) {
	feed := oracle.NewStaticFeed()
	ps := ingestion.NewPriceSubscriber(nil, "PERP_PRICES", "perp.prices.>", ingestion.StaticSink(feed), zerolog.Nop())
	rec := &ackRecorder{}

	ps.Handle(context.Background(), rec.raw(t, "perp.prices.0xe7h", map[string]string{"min_price": "1990", "max_price": "2010"}))

	assert.Equal(t, 1, rec.acks)
	maxP, err := feed.GetPrice("0xe7h", true, false, false)
	require.NoError(t, err)
	minP, err := feed.GetPrice("0xe7h", false, false, false)
	require.NoError(t, err)
	assert.Equal(t, "2010", maxP.Div(maxP, fpmath.Pow10(fpmath.PriceDecimals)).Dec())
	assert.Equal(t, "1990", minP.Div(minP, fpmath.Pow10(fpmath.PriceDecimals)).Dec())
}

func TestPriceSubscriber_HandleAcksInvalidAndNaksSinkFailure(t *testing.T) {
	failing := func(context.Context, *ingestion.PriceUpdate) error { return errors.New("redis down") }
	ps := ingestion.NewPriceSubscriber(nil, "PERP_PRICES", "perp.prices.>", failing, zerolog.Nop())
	rec := &ackRecorder{}

	ps.Handle(context.Background(), rec.raw(t, "perp.prices.0xe7h", map[string]string{"price": "nope"}))
	assert.Equal(t, 1, rec.acks)
	assert.Equal(t, 0, rec.naks)

	ps.Handle(context.Background(), rec.raw(t, "perp.prices.0xe7h", map[string]string{"price": "2000"}))
	assert.Equal(t, 1, rec.acks)
	assert.Equal(t, 1, rec.naks)
}

func TestTee_StopsAtFirstError(t *testing.T) {
	var calls []string
	ok := func(name string) ingestion.PriceSink {
		return func(context.Context, *ingestion.PriceUpdate) error {
			calls = append(calls, name)
			return nil
		}
	}
	fail := func(context.Context, *ingestion.PriceUpdate) error {
		calls = append(calls, "fail")
		return errors.New("boom")
	}

	err := ingestion.Tee(ok("a"), fail, ok("b"))(context.Background(), &ingestion.PriceUpdate{Token: "0xe7h"})
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "fail"}, calls)
}

type fakeJS struct {
	mu       sync.Mutex
	subjects []string
	msgIDs   []string
	fail     bool
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	f.subjects = append(f.subjects, subject)
	f.msgIDs = append(f.msgIDs, env.EventID.String())
	return &jetstream.PubAck{Stream: "PERP_VAULT_EVENTS"}, nil
}

func envelope(t *testing.T, seq int64) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(seq, 0, "BuyUSDG", 1_700_000_000, &event.BuyUSDG{Account: ledger.Address("0xa11ce"), Token: "0xe7h"})
	require.NoError(t, err)
	return env
}

func TestEventPublisher_PublishesByType(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := &fakeJS{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan *event.Envelope, 2)
	pub := ingestion.NewEventPublisher(js, in, m, zerolog.Nop())

	e1, e2 := envelope(t, 1), envelope(t, 2)
	in <- e1
	in <- e2
	close(in)
	require.NoError(t, pub.Run(context.Background()))

	assert.Equal(t, []string{"perp.vault.events.BuyUSDG", "perp.vault.events.BuyUSDG"}, js.subjects)
	assert.Equal(t, []string{e1.EventID.String(), e2.EventID.String()}, js.msgIDs)
	assert.Equal(t, float64(2), promtest.ToFloat64(m.EventsPublished.WithLabelValues("BuyUSDG")))
}

func TestEventPublisher_CountsFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	js := &fakeJS{fail: true}
	m := observability.NewMetrics(prometheus.NewRegistry())
	in := make(chan *event.Envelope, 1)
	pub := ingestion.NewEventPublisher(js, in, m, zerolog.Nop())

	in <- envelope(t, 1)
	close(in)
	require.NoError(t, pub.Run(context.Background()))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.PublishErrors))
}
