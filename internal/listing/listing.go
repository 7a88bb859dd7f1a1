package listing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Cartel category tags assigned by the backend analyzer. Never user-editable.
const (
	CategoryAutoBuy = "AUTOBUY"
	CategoryGood    = "GOOD"
	CategoryOK      = "OK"
	CategorySkip    = "SKIP"
)

// Listing is a read-only snapshot of one graded card offered on the
// marketplace. Nullable numerics are pointers; an absent value is unknown,
// never zero.
type Listing struct {
	TokenMint string `json:"token_mint"`
	ListingID string `json:"listing_id,omitempty"`

	PriceAmount *decimal.Decimal `json:"price_amount"`
	IsListed    bool             `json:"is_listed"`

	AltValue           *decimal.Decimal `json:"alt_value"`
	AltValueLowerBound *decimal.Decimal `json:"alt_value_lower_bound"`
	AltValueUpperBound *decimal.Decimal `json:"alt_value_upper_bound"`
	AltValueConfidence *float64         `json:"alt_value_confidence"`
	AvgPrice           *decimal.Decimal `json:"avg_price"`

	CartelCategory string `json:"cartel_category"`

	Name           string           `json:"name"`
	GradingCompany string           `json:"grading_company,omitempty"`
	Grade          string           `json:"grade,omitempty"`
	GradeNum       *float64         `json:"grade_num,omitempty"`
	GradingID      FlexString       `json:"grading_id,omitempty"`
	Supply         *int64           `json:"supply"`
	InsuredValue   *decimal.Decimal `json:"insured_value,omitempty"`
	ImgURL         string           `json:"img_url,omitempty"`

	ListedAt       Timestamp `json:"listed_at"`
	LastAnalyzedAt Timestamp `json:"last_analyzed_at,omitempty"`
}

// HighTier reports whether the listing carries an alert-worthy category tag.
func (l Listing) HighTier() bool {
	return l.CartelCategory == CategoryAutoBuy || l.CartelCategory == CategoryGood
}

// FlexString decodes upstream fields that arrive as either a JSON string or
// a bare number (grading_id is numeric in some payload variants).
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(string(data))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// Timestamp tolerates absent, null, or unparseable upstream timestamps:
// anything that cannot be parsed decodes as the zero time instead of
// failing the whole payload.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Time = time.Time{}
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	t.Time = time.Time{}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// NewTimestamp wraps a time.Time.
func NewTimestamp(v time.Time) Timestamp {
	return Timestamp{Time: v}
}
