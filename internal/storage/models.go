package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DealAlertRecord captures an emitted deal alert for auditing.
type DealAlertRecord struct {
	ID        int64
	TokenMint string
	Name      string
	Category  string
	PriceSOL  *decimal.Decimal
	PriceUSD  *decimal.Decimal
	AltValue  *decimal.Decimal
	DiffPct   *decimal.Decimal
	Channels  []string
	Source    string
	CreatedAt time.Time
}

// Alert sources.
const (
	AlertSourcePoll = "poll"
	AlertSourcePush = "push"
)

// PriceSample is one persisted SOL/USD spot observation.
type PriceSample struct {
	SampledAt time.Time
	USD       decimal.Decimal
}

// SnapshotStat summarises one listing poll.
type SnapshotStat struct {
	PolledAt time.Time
	Total    int
	HighTier int
}
