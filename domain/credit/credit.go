// Package credit defines pricing, trial allowances and purchasable credit packs.
package credit

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/artpar/utter/domain/ledger"
)

// UnitLabel describes what one credit buys.
const UnitLabel = "1 credit = 1 character"

// Flat prices and trial allowances.
const (
	DesignPreviewCredits = 5000
	CloneCredits         = 1000
	DesignTrialLimit     = 2
	CloneTrialLimit      = 2
)

// ForGenerateText returns the charge for synthesizing text: one credit per
// character, never less than one.
func ForGenerateText(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	if n < 1 {
		return 1
	}
	return n
}

// DefaultTrials returns the trial counters a new account starts with.
func DefaultTrials() map[ledger.Operation]int {
	return map[ledger.Operation]int{
		ledger.OpDesignPreview: DesignTrialLimit,
		ledger.OpClone:         CloneTrialLimit,
	}
}

// InsufficientDetail is the client-facing message for a failed charge.
func InsufficientDetail(needed, balance int64) string {
	return fmt.Sprintf("Insufficient credits: need %s, have %s. %s.",
		groupThousands(needed), groupThousands(balance), UnitLabel)
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// RateCardRow is one line of the published price list.
type RateCardRow struct {
	Action string `json:"action"`
	Cost   string `json:"cost"`
	Note   string `json:"note"`
}

// RateCard is the published price list.
var RateCard = []RateCardRow{
	{Action: "Generate speech", Cost: "1 credit per character", Note: "Charged from input text length."},
	{Action: "Voice design preview", Cost: "First 2 attempts free, then 5,000 credits", Note: "Flat price after free design trials are used."},
	{Action: "Voice clone", Cost: "First 2 attempts free, then 1,000 credits", Note: "Flat price after free clone trials are used."},
}

// -----------------------------------------------------------------------------
// Prepaid packs
// -----------------------------------------------------------------------------

// PackID identifies a purchasable credit pack.
type PackID string

const (
	Pack150K PackID = "pack_150k"
	Pack500K PackID = "pack_500k"
)

// Pack is a purchasable bundle of credits.
type Pack struct {
	ID       PackID `json:"id"`
	Name     string `json:"name"`
	PriceUSD int    `json:"price_usd"`
	Credits  int64  `json:"credits"`
	PriceID  string `json:"-"` // payment processor price id, from config
}

// Catalog resolves packs by id or processor price id.
type Catalog struct {
	packs []Pack
}

// NewCatalog builds the catalog with processor price ids keyed by pack id.
func NewCatalog(priceIDs map[PackID]string) *Catalog {
	packs := []Pack{
		{ID: Pack150K, Name: "150k credits", PriceUSD: 10, Credits: 150000},
		{ID: Pack500K, Name: "500k credits", PriceUSD: 25, Credits: 500000},
	}
	for i := range packs {
		packs[i].PriceID = strings.TrimSpace(priceIDs[packs[i].ID])
	}
	return &Catalog{packs: packs}
}

// Packs returns all packs.
func (c *Catalog) Packs() []Pack {
	out := make([]Pack, len(c.packs))
	copy(out, c.packs)
	return out
}

// ByID returns the pack with the given id.
func (c *Catalog) ByID(id string) (Pack, bool) {
	for _, p := range c.packs {
		if string(p.ID) == strings.TrimSpace(id) {
			return p, true
		}
	}
	return Pack{}, false
}

// ByPriceID returns the pack configured with the given processor price id.
func (c *Catalog) ByPriceID(priceID string) (Pack, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Pack{}, false
	}
	for _, p := range c.packs {
		if p.PriceID != "" && p.PriceID == priceID {
			return p, true
		}
	}
	return Pack{}, false
}
