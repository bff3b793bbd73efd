package weights

import (
	"database/sql"
	"testing"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/domain"
	testingpkg "github.com/aristath/vault/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func equalWeights() []domain.Allocation {
	return []domain.Allocation{
		{Source: "aave", Weight: 2500},
		{Source: "compound", Weight: 2500},
		{Source: "yearn", Weight: 2500},
		{Source: "conic", Weight: 2500},
	}
}

func TestNewTable(t *testing.T) {
	table, err := NewTable(equalWeights())
	require.NoError(t, err)
	assert.Equal(t, Total, table.Sum())
	assert.Equal(t, []domain.SourceID{"aave", "compound", "yearn", "conic"}, table.Sources())

	_, err = NewTable([]domain.Allocation{{Source: "aave", Weight: 9000}})
	assert.ErrorIs(t, err, domain.ErrInvalidWeightSum)

	_, err = NewTable([]domain.Allocation{{Source: "aave", Weight: 5000}, {Source: "aave", Weight: 5000}})
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	table, err := NewTable(equalWeights())
	require.NoError(t, err)

	require.NoError(t, table.Set([]domain.Allocation{
		{Source: "aave", Weight: 7000},
		{Source: "conic", Weight: 3000},
	}))
	w, err := table.Weight("compound")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), w)
	assert.Len(t, table.Active(), 2)
	assert.Equal(t, Total, table.Sum())
}

func TestSet_RejectsWithoutMutation(t *testing.T) {
	table, err := NewTable(equalWeights())
	require.NoError(t, err)

	tests := []struct {
		name   string
		allocs []domain.Allocation
		err    error
	}{
		{"sum below", []domain.Allocation{{Source: "aave", Weight: 9999}}, domain.ErrInvalidWeightSum},
		{"sum above", []domain.Allocation{{Source: "aave", Weight: 9000}, {Source: "yearn", Weight: 1001}}, domain.ErrInvalidWeightSum},
		{"unknown source", []domain.Allocation{{Source: "euler", Weight: 10000}}, domain.ErrUnknownSource},
		{"duplicate", []domain.Allocation{{Source: "aave", Weight: 5000}, {Source: "aave", Weight: 5000}}, domain.ErrInvalidWeightSum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, table.Set(tt.allocs), tt.err)
			assert.Equal(t, equalWeights(), table.Entries())
		})
	}
}

func TestWeight_UnknownSource(t *testing.T) {
	table, err := NewTable(equalWeights())
	require.NoError(t, err)

	_, err = table.Weight("euler")
	assert.ErrorIs(t, err, domain.ErrUnknownSource)
	assert.False(t, table.Has("euler"))
}

func TestSplit(t *testing.T) {
	table, err := NewTable(equalWeights())
	require.NoError(t, err)

	_, parts, dust := table.Split(domain.NewAmount(20_000_000_000))
	for _, p := range parts {
		assert.True(t, p.Equals64(5_000_000_000))
	}
	assert.True(t, dust.IsZero())

	active, parts, dust := table.Split(domain.NewAmount(10_003))
	require.Len(t, active, 4)
	sum := dust
	for _, p := range parts {
		sum = sum.Add(p)
	}
	assert.True(t, sum.Equals64(10_003))
	assert.True(t, dust.Cmp64(uint64(len(active))) < 0)
}

func TestRepository_RoundTrip(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())
	empty, err := repo.Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	entries := []domain.Allocation{
		{Source: "yearn", Weight: 6000},
		{Source: "aave", Weight: 4000},
		{Source: "conic", Weight: 0},
	}
	require.NoError(t, database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return repo.SaveTx(tx, entries)
	}))

	loaded, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, entries, loaded)
}
