package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/alerting"
	"card-deal-alerts/internal/listing"
	"card-deal-alerts/internal/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	listings []listing.Listing
	calls    int
}

func (f *fakeFetcher) Listings(ctx context.Context) ([]listing.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.listings, nil
}

func (f *fakeFetcher) set(listings []listing.Listing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings = listings
}

type fakePricer struct {
	spot decimal.Decimal
	ok   bool
}

func (f *fakePricer) Price(ctx context.Context) (decimal.Decimal, bool) {
	return f.spot, f.ok
}

type fakeRecorder struct {
	mu       sync.Mutex
	alerts   []storage.DealAlertRecord
	samples  []storage.PriceSample
	stats    []storage.SnapshotStat
	lockBusy bool
	locks    int
}

func (f *fakeRecorder) InsertAlert(ctx context.Context, alert storage.DealAlertRecord) (storage.DealAlertRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return alert, nil
}

func (f *fakeRecorder) InsertPriceSample(ctx context.Context, sample storage.PriceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeRecorder) UpsertSnapshotStat(ctx context.Context, stat storage.SnapshotStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stat)
	return nil
}

func (f *fakeRecorder) LastAlertAt(ctx context.Context, tokenMint string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (f *fakeRecorder) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks++
	if f.lockBusy {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	batches [][]listing.Listing
}

func (f *fakeBroadcaster) Broadcast(batch []listing.Listing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func autobuyListing(mint string) listing.Listing {
	return listing.Listing{
		TokenMint:      mint,
		Name:           "Charizard #4",
		PriceAmount:    price("10"),
		AltValue:       price("2000"),
		IsListed:       true,
		CartelCategory: listing.CategoryAutoBuy,
	}
}

func newTestService(fetcher *fakeFetcher, recorder *fakeRecorder, notifier *fakeNotifier, broadcaster *fakeBroadcaster, cooldown time.Duration) *Service {
	return New(Options{
		Cooldown:        cooldown,
		Channels:        []string{"telegram"},
		AdvisoryLockKey: 42,
	}, fetcher, &fakePricer{spot: decimal.RequireFromString("150"), ok: true}, recorder, []alerting.Notifier{notifier}, broadcaster, zerolog.Nop())
}

func TestPollPrimesWithoutAlerting(t *testing.T) {
	fetcher := &fakeFetcher{listings: []listing.Listing{autobuyListing("m1")}}
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	svc := newTestService(fetcher, recorder, notifier, &fakeBroadcaster{}, time.Hour)

	if err := svc.Poll(context.Background(), time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(notifier.notes) != 0 {
		t.Fatalf("first poll must prime silently, got %d alerts", len(notifier.notes))
	}
	snapshot, _ := svc.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot not updated, got %d listings", len(snapshot))
	}
	if len(recorder.samples) != 1 || len(recorder.stats) != 1 {
		t.Fatalf("expected one price sample and one stat, got %d/%d", len(recorder.samples), len(recorder.stats))
	}
}

func TestPollAlertsOnFreshHighTierListing(t *testing.T) {
	fetcher := &fakeFetcher{listings: []listing.Listing{autobuyListing("m1")}}
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	broadcaster := &fakeBroadcaster{}
	svc := newTestService(fetcher, recorder, notifier, broadcaster, time.Hour)

	ctx := context.Background()
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	fetcher.set([]listing.Listing{autobuyListing("m1"), autobuyListing("m2")})
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("expected 1 alert for the fresh listing, got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Deal.TokenMint != "m2" {
		t.Fatalf("alerted wrong mint %q", note.Deal.TokenMint)
	}
	if note.Deal.PriceUSD == nil || !note.Deal.PriceUSD.Equal(decimal.RequireFromString("1500")) {
		t.Fatalf("derived USD price wrong: %v", note.Deal.PriceUSD)
	}

	if len(recorder.alerts) != 1 || recorder.alerts[0].Source != storage.AlertSourcePoll {
		t.Fatalf("alert not persisted with poll source: %+v", recorder.alerts)
	}
	if len(broadcaster.batches) != 1 {
		t.Fatalf("fresh deals must be broadcast, got %d batches", len(broadcaster.batches))
	}
}

func TestPollCooldownSuppressesRepeatAlerts(t *testing.T) {
	fetcher := &fakeFetcher{listings: nil}
	notifier := &fakeNotifier{}
	svc := newTestService(fetcher, &fakeRecorder{}, notifier, &fakeBroadcaster{}, time.Hour)

	ctx := context.Background()
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Listing flaps: appears, disappears, reappears inside the cooldown.
	fetcher.set([]listing.Listing{autobuyListing("m1")})
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	fetcher.set(nil)
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	fetcher.set([]listing.Listing{autobuyListing("m1")})
	if err := svc.Poll(ctx, time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("cooldown must suppress the repeat alert, got %d", len(notifier.notes))
	}
}

func TestPollSkipsWhenLockBusy(t *testing.T) {
	fetcher := &fakeFetcher{listings: []listing.Listing{autobuyListing("m1")}}
	recorder := &fakeRecorder{lockBusy: true}
	svc := newTestService(fetcher, recorder, &fakeNotifier{}, &fakeBroadcaster{}, time.Hour)

	if err := svc.Poll(context.Background(), time.Now()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("busy lock must skip the fetch, saw %d calls", fetcher.calls)
	}
}

func TestHandlePushBatchAlertsAndBroadcasts(t *testing.T) {
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	broadcaster := &fakeBroadcaster{}
	svc := newTestService(&fakeFetcher{}, recorder, notifier, broadcaster, time.Hour)

	batch := []listing.Listing{autobuyListing("m9"), autobuyListing("m10")}
	svc.HandlePushBatch(context.Background(), batch)

	if len(notifier.notes) != 1 || notifier.notes[0].Deal.TokenMint != "m9" {
		t.Fatalf("push batch must alert on the head deal, got %+v", notifier.notes)
	}
	if len(recorder.alerts) != 1 || recorder.alerts[0].Source != storage.AlertSourcePush {
		t.Fatalf("push alert not persisted with push source: %+v", recorder.alerts)
	}
	if len(broadcaster.batches) != 1 || len(broadcaster.batches[0]) != 2 {
		t.Fatalf("push batch must be rebroadcast in full")
	}

	// A second push for the same mint inside the cooldown stays silent but
	// still reaches subscribers.
	svc.HandlePushBatch(context.Background(), batch)
	if len(notifier.notes) != 1 {
		t.Fatalf("cooldown must apply to push alerts, got %d", len(notifier.notes))
	}
	if len(broadcaster.batches) != 2 {
		t.Fatalf("rebroadcast must not be throttled, got %d batches", len(broadcaster.batches))
	}
}
