package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

var defaultTiers = []Tier{
	{Name: "custom", MinVolume: 200000, Price: 50},
	{Name: "standard", MinVolume: 1, Price: 70},
	{Name: "silver", MinVolume: 10000, Price: 65},
	{Name: "gold", MinVolume: 50000, Price: 60},
	{Name: "platinum", MinVolume: 100000, Price: 55},
}

func TestPricing_Price(t *testing.T) {
	p := NewPricing(nil, 70, defaultTiers)
	cases := map[int64]int64{
		0:       70,
		1:       70,
		9999:    70,
		10000:   65,
		49999:   65,
		50000:   60,
		100000:  55,
		200000:  50,
		5000000: 50,
	}
	for volume, want := range cases {
		assert.Equal(t, want, p.Price(volume), "volume %d", volume)
	}
}

func TestPricing_QuoteCountsThisMonth(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.CreateAccount(ctx, ledger.Account{ID: "acct-1", Balance: 1000})
	require.NoError(t, err)

	p := NewPricing(store, 70, []Tier{{MinVolume: 1, Price: 70}, {MinVolume: 3, Price: 40}})
	r := New(store, Config{}, logger.NewNop())

	for i := 0; i < 2; i++ {
		price, err := p.Quote(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(70), price)
		_, _, err = r.Reserve(ctx, ReserveRequest{AccountID: "acct-1", Destination: "+15550001111", Content: "hi", Cost: price})
		require.NoError(t, err)
	}
	price, err := p.Quote(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), price)
}
