package listing

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sort keys accepted by the pipeline. SortListedTime is the default.
const (
	SortPriceLow    = "price-low"
	SortPriceHigh   = "price-high"
	SortDiffPercent = "difference-percent"
	SortPopularity  = "popularity"
	SortListedTime  = "listed-time"
)

// Category selector values. FilterAll passes every category except SKIP,
// which is permanently excluded from the default view.
const (
	FilterAll     = "all"
	FilterAutoBuy = "autobuy"
	FilterAlert   = "alert"
	FilterInfo    = "info"
)

var filterCategories = map[string]string{
	FilterAutoBuy: CategoryAutoBuy,
	FilterAlert:   CategoryGood,
	FilterInfo:    CategoryOK,
}

// Query is the ephemeral per-request view state driving the pipeline.
type Query struct {
	Search string
	Filter string
	Sort   string
	// Window bounds listed_at to [now-Window, now]. Zero keeps all.
	Window time.Duration
	Offset int
	// Limit of 0 means unpaginated.
	Limit int
	// Now anchors the time-window filter; zero means time.Now.
	Now time.Time
}

// Deal is a Listing enriched with per-render derived pricing. The derived
// fields are nil whenever an operand is unknown; they are never NaN or Inf.
type Deal struct {
	Listing
	PriceUSD    *decimal.Decimal `json:"price_usd"`
	DiffPercent *decimal.Decimal `json:"diff_percent"`
}

var hundred = decimal.NewFromInt(100)

// Apply runs the filter/sort/paginate pipeline: time-window filter, price
// enrichment against the cached spot price, search/category predicate,
// stable sort, then pagination. It is a pure function of its inputs; the
// input slice is never mutated. A nil or non-positive spot price is treated
// as unknown, not zero.
func Apply(listings []Listing, q Query, spot *decimal.Decimal) []Deal {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	deals := make([]Deal, 0, len(listings))
	for _, l := range listings {
		if q.Window > 0 {
			if l.ListedAt.IsZero() || l.ListedAt.Before(now.Add(-q.Window)) || l.ListedAt.After(now) {
				continue
			}
		}
		if !matches(l, q) {
			continue
		}
		deals = append(deals, Enrich(l, spot))
	}

	sortDeals(deals, q.Sort)

	return paginate(deals, q.Offset, q.Limit)
}

// Enrich derives USD price and percentage difference for one listing. Either
// derived field stays nil when an operand is unknown or non-positive.
func Enrich(l Listing, spot *decimal.Decimal) Deal {
	deal := Deal{Listing: l}

	if spot == nil || !spot.IsPositive() || l.PriceAmount == nil {
		return deal
	}

	usd := l.PriceAmount.Mul(*spot)
	deal.PriceUSD = &usd

	if !usd.IsPositive() || l.AltValue == nil || !l.AltValue.IsPositive() {
		return deal
	}

	diff := usd.Sub(*l.AltValue).Div(*l.AltValue).Mul(hundred)
	deal.DiffPercent = &diff
	return deal
}

func matches(l Listing, q Query) bool {
	// SKIP listings never surface, regardless of the selector.
	if l.CartelCategory == CategorySkip {
		return false
	}

	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		name := strings.ToLower(l.Name)
		grading := strings.ToLower(string(l.GradingID))
		supply := ""
		if l.Supply != nil {
			supply = strconv.FormatInt(*l.Supply, 10)
		}
		if !strings.Contains(name, search) &&
			!strings.Contains(grading, search) &&
			!strings.Contains(supply, search) {
			return false
		}
	}

	switch q.Filter {
	case "", FilterAll:
		return true
	default:
		want, known := filterCategories[q.Filter]
		if !known {
			return false
		}
		return l.CartelCategory == want
	}
}

func sortDeals(deals []Deal, key string) {
	switch key {
	case SortPriceLow:
		sort.SliceStable(deals, func(i, j int) bool {
			return priceOrZero(deals[i]).LessThan(priceOrZero(deals[j]))
		})
	case SortPriceHigh:
		sort.SliceStable(deals, func(i, j int) bool {
			return priceOrZero(deals[j]).LessThan(priceOrZero(deals[i]))
		})
	case SortDiffPercent:
		sort.SliceStable(deals, func(i, j int) bool {
			return diffOrZero(deals[i]).LessThan(diffOrZero(deals[j]))
		})
	case SortPopularity:
		sort.SliceStable(deals, func(i, j int) bool {
			return supplyOrZero(deals[i]) < supplyOrZero(deals[j])
		})
	default: // SortListedTime: newest first, unparseable timestamps last.
		sort.SliceStable(deals, func(i, j int) bool {
			return deals[j].ListedAt.Before(deals[i].ListedAt.Time)
		})
	}
}

func paginate(deals []Deal, offset, limit int) []Deal {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(deals) {
		return []Deal{}
	}
	deals = deals[offset:]
	if limit > 0 && limit < len(deals) {
		deals = deals[:limit]
	}
	return deals
}

func priceOrZero(d Deal) decimal.Decimal {
	if d.PriceAmount == nil {
		return decimal.Zero
	}
	return *d.PriceAmount
}

func diffOrZero(d Deal) decimal.Decimal {
	if d.DiffPercent == nil {
		return decimal.Zero
	}
	return *d.DiffPercent
}

func supplyOrZero(d Deal) int64 {
	if d.Supply == nil {
		return 0
	}
	return *d.Supply
}
