package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/listing"
	"card-deal-alerts/internal/service"
)

// SimulateAlert pushes a synthetic high-tier listing through the alert
// pipeline to verify channel configuration end to end.
func (a *App) SimulateAlert(ctx context.Context, category string, priceSOL, altValue decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifiers := a.newNotifiers()
	if len(notifiers) == 0 {
		return errors.New("no alert channels configured")
	}

	pricer := a.newPricer()
	svc := service.New(service.Options{
		AlertCategories: a.Config.AlertCategories(),
		Channels:        a.Config.Alerting.Channels,
	}, nil, pricer, nil, notifiers, nil, a.Logger)

	synthetic := listing.Listing{
		TokenMint:      "SimulatedMint1111111111111111111111111111111",
		Name:           "Simulated graded card",
		PriceAmount:    &priceSOL,
		AltValue:       &altValue,
		IsListed:       true,
		CartelCategory: category,
		ListedAt:       listing.NewTimestamp(time.Now().UTC()),
	}

	svc.HandlePushBatch(ctx, []listing.Listing{synthetic})
	return nil
}
