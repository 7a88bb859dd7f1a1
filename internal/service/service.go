package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/alerting"
	"card-deal-alerts/internal/listing"
	"card-deal-alerts/internal/storage"
	"card-deal-alerts/internal/upstream"
)

// SpotPricer serves the cached SOL/USD spot price.
type SpotPricer interface {
	Price(ctx context.Context) (decimal.Decimal, bool)
}

// Broadcaster fans a listing batch out to connected event subscribers.
type Broadcaster interface {
	Broadcast(batch []listing.Listing)
}

// Recorder persists poll artefacts. A nil Recorder disables persistence.
type Recorder interface {
	InsertAlert(ctx context.Context, alert storage.DealAlertRecord) (storage.DealAlertRecord, error)
	InsertPriceSample(ctx context.Context, sample storage.PriceSample) error
	UpsertSnapshotStat(ctx context.Context, stat storage.SnapshotStat) error
	LastAlertAt(ctx context.Context, tokenMint string) (time.Time, bool, error)
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Options parameterise the monitoring service.
type Options struct {
	AlertCategories []string
	Cooldown        time.Duration
	Channels        []string
	AdvisoryLockKey int64
}

// Service polls the marketplace, maintains the in-memory listing snapshot,
// and raises alerts for newly surfaced high-tier deals.
type Service struct {
	opts        Options
	fetcher     upstream.ListingFetcher
	pricer      SpotPricer
	recorder    Recorder
	notifiers   []alerting.Notifier
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu         sync.RWMutex
	snapshot   []listing.Listing
	snapshotAt time.Time

	alertMu   sync.Mutex
	primed    bool
	known     map[string]struct{}
	lastAlert map[string]time.Time
}

// New wires a monitoring service. pricer is required; recorder, notifiers
// and broadcaster may be nil or empty.
func New(opts Options, fetcher upstream.ListingFetcher, pricer SpotPricer, recorder Recorder, notifiers []alerting.Notifier, broadcaster Broadcaster, logger zerolog.Logger) *Service {
	if len(opts.AlertCategories) == 0 {
		opts.AlertCategories = []string{listing.CategoryAutoBuy, listing.CategoryGood}
	}

	return &Service{
		opts:        opts,
		fetcher:     fetcher,
		pricer:      pricer,
		recorder:    recorder,
		notifiers:   notifiers,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "service").Logger(),
		known:       make(map[string]struct{}),
		lastAlert:   make(map[string]time.Time),
	}
}

// Snapshot returns the most recent listing snapshot and its poll time. The
// returned slice is shared; callers must not mutate it.
func (s *Service) Snapshot() ([]listing.Listing, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.snapshotAt
}

// SpotPrice exposes the cached spot price for request handlers.
func (s *Service) SpotPrice(ctx context.Context) (*decimal.Decimal, bool) {
	spot, ok := s.pricer.Price(ctx)
	if !ok {
		return nil, false
	}
	return &spot, true
}

// Poll runs one full snapshot refresh. It is the scheduler tick function.
func (s *Service) Poll(ctx context.Context, tick time.Time) error {
	if s.recorder != nil && s.opts.AdvisoryLockKey != 0 {
		unlock, acquired, err := s.recorder.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
		if err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			s.logger.Debug().Msg("poll skipped, another instance holds the lock")
			return nil
		}
		defer unlock()
	}

	listings, err := s.fetcher.Listings(ctx)
	if err != nil {
		return fmt.Errorf("poll listings: %w", err)
	}

	s.mu.Lock()
	s.snapshot = listings
	s.snapshotAt = tick
	s.mu.Unlock()

	spot, spotOK := s.pricer.Price(ctx)
	var spotPtr *decimal.Decimal
	if spotOK {
		spotPtr = &spot
	}

	s.record(ctx, tick, listings, spotPtr)

	fresh := s.detectFresh(ctx, listings, tick)
	if len(fresh) > 0 {
		batch := make([]listing.Listing, 0, len(fresh))
		for _, l := range fresh {
			s.alert(ctx, listing.Enrich(l, spotPtr), spotPtr, storage.AlertSourcePoll, tick)
			batch = append(batch, l)
		}
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(batch)
		}
	}

	s.logger.Info().
		Int("listings", len(listings)).
		Int("fresh_alerts", len(fresh)).
		Bool("spot_known", spotOK).
		Msg("poll completed")
	return nil
}

// HandlePushBatch processes one gated push batch: alert on the head deal and
// rebroadcast the whole batch to event subscribers.
func (s *Service) HandlePushBatch(ctx context.Context, batch []listing.Listing) {
	if len(batch) == 0 {
		return
	}

	head := batch[0]
	now := time.Now().UTC()

	var spotPtr *decimal.Decimal
	if spot, ok := s.pricer.Price(ctx); ok {
		spotPtr = &spot
	}

	if s.alertable(head.CartelCategory) && s.passCooldown(ctx, head.TokenMint, now) {
		s.alert(ctx, listing.Enrich(head, spotPtr), spotPtr, storage.AlertSourcePush, now)
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(batch)
	}
}

func (s *Service) record(ctx context.Context, tick time.Time, listings []listing.Listing, spot *decimal.Decimal) {
	if s.recorder == nil {
		return
	}

	if spot != nil {
		sample := storage.PriceSample{SampledAt: tick, USD: *spot}
		if err := s.recorder.InsertPriceSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Msg("persist price sample failed")
		}
	}

	highTier := 0
	for _, l := range listings {
		if l.HighTier() {
			highTier++
		}
	}
	stat := storage.SnapshotStat{PolledAt: tick, Total: len(listings), HighTier: highTier}
	if err := s.recorder.UpsertSnapshotStat(ctx, stat); err != nil {
		s.logger.Error().Err(err).Msg("persist snapshot stat failed")
	}
}

// detectFresh returns alert-worthy listings that were absent from the
// previous snapshot and pass the per-mint cooldown. The first poll only
// primes the known set so a restart never replays the whole book.
func (s *Service) detectFresh(ctx context.Context, listings []listing.Listing, now time.Time) []listing.Listing {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	next := make(map[string]struct{}, len(listings))
	var fresh []listing.Listing
	for _, l := range listings {
		next[l.TokenMint] = struct{}{}
		if !s.primed {
			continue
		}
		if _, seen := s.known[l.TokenMint]; seen {
			continue
		}
		if !s.alertable(l.CartelCategory) || !l.IsListed {
			continue
		}
		if !s.passCooldownLocked(ctx, l.TokenMint, now) {
			continue
		}
		fresh = append(fresh, l)
	}

	s.known = next
	s.primed = true
	return fresh
}

func (s *Service) alertable(category string) bool {
	for _, want := range s.opts.AlertCategories {
		if category == want {
			return true
		}
	}
	return false
}

func (s *Service) passCooldown(ctx context.Context, tokenMint string, now time.Time) bool {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return s.passCooldownLocked(ctx, tokenMint, now)
}

// passCooldownLocked requires alertMu to be held. A mint with no in-memory
// record falls back to the persisted alert history, so the cooldown survives
// restarts.
func (s *Service) passCooldownLocked(ctx context.Context, tokenMint string, now time.Time) bool {
	if s.opts.Cooldown <= 0 {
		s.lastAlert[tokenMint] = now
		return true
	}

	last, ok := s.lastAlert[tokenMint]
	if !ok && s.recorder != nil {
		persisted, found, err := s.recorder.LastAlertAt(ctx, tokenMint)
		if err != nil {
			s.logger.Warn().Err(err).Str("token_mint", tokenMint).Msg("cooldown lookup failed")
		} else if found {
			last, ok = persisted, true
		}
	}

	if ok && now.Sub(last) < s.opts.Cooldown {
		return false
	}
	s.lastAlert[tokenMint] = now
	return true
}

func (s *Service) alert(ctx context.Context, deal listing.Deal, spot *decimal.Decimal, source string, at time.Time) {
	note := alerting.Notification{
		Deal:     deal,
		SpotUSD:  spot,
		Channels: s.opts.Channels,
		SeenAt:   at,
	}

	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("token_mint", deal.TokenMint).Msg("alert delivery failed")
		}
	}

	if s.recorder != nil {
		record := storage.DealAlertRecord{
			TokenMint: deal.TokenMint,
			Name:      deal.Name,
			Category:  deal.CartelCategory,
			PriceSOL:  deal.PriceAmount,
			PriceUSD:  deal.PriceUSD,
			AltValue:  deal.AltValue,
			DiffPct:   deal.DiffPercent,
			Channels:  s.opts.Channels,
			Source:    source,
		}
		if _, err := s.recorder.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("token_mint", deal.TokenMint).Msg("persist alert failed")
		}
	}
}
