package billing

import (
	"context"
	"sort"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/storage"
)

// Tier assigns a per-message price once the account's monthly volume
// reaches MinVolume.
type Tier struct {
	Name      string
	MinVolume int64
	Price     int64
}

// Pricing quotes message costs from monthly volume.
type Pricing struct {
	store        storage.LedgerStore
	defaultPrice int64
	tiers        []Tier
	now          func() time.Time
}

// NewPricing sorts tiers by volume. defaultPrice applies below the lowest tier.
func NewPricing(store storage.LedgerStore, defaultPrice int64, tiers []Tier) *Pricing {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinVolume < sorted[j].MinVolume })
	return &Pricing{
		store:        store,
		defaultPrice: defaultPrice,
		tiers:        sorted,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Price returns the price applying at volume messages this month.
func (p *Pricing) Price(volume int64) int64 {
	price := p.defaultPrice
	for _, tier := range p.tiers {
		if volume < tier.MinVolume {
			break
		}
		price = tier.Price
	}
	return price
}

// Quote prices the next message of accountID. The message being quoted
// counts towards the volume.
func (p *Pricing) Quote(ctx context.Context, accountID string) (int64, error) {
	now := p.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	sent, err := p.store.CountMessagesSince(ctx, accountID, monthStart)
	if err != nil {
		return 0, err
	}
	return p.Price(sent + 1), nil
}
