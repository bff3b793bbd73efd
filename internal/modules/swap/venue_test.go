package swap

import (
	"context"
	"testing"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVenue(t *testing.T) (*Venue, *custody.Book) {
	t.Helper()
	book := custody.NewBook(zerolog.Nop())
	v := NewVenue(book, "vault", "USDC", 100, zerolog.Nop())
	require.NoError(t, v.SetPrice("CRV", Price{Numerator: 2, Denominator: 1}))
	return v, book
}

func TestVenue_Quote(t *testing.T) {
	v, _ := newVenue(t)

	out, err := v.Quote(context.Background(), "CRV", domain.NewAmount(1_000))
	require.NoError(t, err)
	// 2000 gross, 1% fee
	assert.True(t, out.Equals64(1_980))

	_, err = v.Quote(context.Background(), "DOGE", domain.NewAmount(1))
	assert.ErrorIs(t, err, domain.ErrUnknownToken)

	assert.Error(t, v.SetPrice("X", Price{Numerator: 1}))
}

func TestVenue_Swap(t *testing.T) {
	ctx := context.Background()
	v, book := newVenue(t)
	book.Mint("CRV", "vault", domain.NewAmount(1_000))

	out, err := v.Swap(ctx, "CRV", domain.NewAmount(1_000), domain.NewAmount(1_980))
	require.NoError(t, err)
	assert.True(t, out.Equals64(1_980))

	usdc, _ := book.BalanceOf(ctx, "USDC", "vault")
	crv, _ := book.BalanceOf(ctx, "CRV", "vault")
	assert.True(t, usdc.Equals64(1_980))
	assert.True(t, crv.IsZero())
}

func TestVenue_SwapBelowMinimumMovesNothing(t *testing.T) {
	ctx := context.Background()
	v, book := newVenue(t)
	book.Mint("CRV", "vault", domain.NewAmount(1_000))

	_, err := v.Swap(ctx, "CRV", domain.NewAmount(1_000), domain.NewAmount(1_981))
	assert.ErrorIs(t, err, ErrInsufficientOutput)

	crv, _ := book.BalanceOf(ctx, "CRV", "vault")
	usdc, _ := book.BalanceOf(ctx, "USDC", "vault")
	assert.True(t, crv.Equals64(1_000))
	assert.True(t, usdc.IsZero())
}

func TestVenue_StateRoundTrip(t *testing.T) {
	v, book := newVenue(t)
	data, err := v.MarshalState()
	require.NoError(t, err)

	other := NewVenue(book, "vault", "USDC", 0, zerolog.Nop())
	require.NoError(t, other.UnmarshalState(data))
	out, err := other.Quote(context.Background(), "CRV", domain.NewAmount(100))
	require.NoError(t, err)
	assert.True(t, out.Equals64(198))
}
