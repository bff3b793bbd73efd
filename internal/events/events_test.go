package events

import (
	"errors"
	"testing"
	"time"

	testingpkg "github.com/aristath/vault/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedData_EventTypes(t *testing.T) {
	tests := []struct {
		data     EventData
		expected EventType
	}{
		{&DepositData{}, DepositToVault},
		{&WithdrawData{}, WithdrawFromVault},
		{&PoolWeightsUpdatedData{}, PoolWeightsUpdated},
		{&RedepositData{}, RedepositToPools},
		{&HarvestData{}, HarvestRewards},
		{&RecoveryData{}, SweepFunds},
		{&RecoveryData{Rescue: true}, RescueFunds},
		{&WhitelistData{}, AddressWhitelisted},
		{&PauseData{Paused: true}, Paused},
		{&PauseData{}, Unpaused},
		{&ShortfallData{}, AdapterWithdrawShortfall},
		{&SnapshotRecordedData{}, SnapshotRecorded},
		{&ErrorEventData{}, ErrorOccurred},
	}
	for _, tt := range tests {
		t.Run(string(tt.expected), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.data.EventType())
		})
	}
	assert.Len(t, AllEventTypes, 13)
}

func TestToMapAndDecode(t *testing.T) {
	data := &DepositData{Caller: "alice", Receiver: "alice", Assets: "20000000000", Shares: "20000000000"}
	m := ToMap(data)
	assert.Equal(t, "20000000000", m["assets"])
	assert.NotContains(t, m, "referral_code")

	var decoded DepositData
	require.NoError(t, Decode(&Event{Data: m}, &decoded))
	assert.Equal(t, *data, decoded)
	assert.Nil(t, ToMap(nil))
}

func TestBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var typed, all []EventType
	id := bus.Subscribe(DepositToVault, func(e *Event) { typed = append(typed, e.Type) })
	bus.SubscribeAll(func(e *Event) { all = append(all, e.Type) })

	bus.Emit(DepositToVault, "vault", nil)
	bus.Emit(WithdrawFromVault, "vault", nil)
	bus.Unsubscribe(id)
	bus.Emit(DepositToVault, "vault", nil)

	assert.Equal(t, []EventType{DepositToVault}, typed)
	assert.Equal(t, []EventType{DepositToVault, WithdrawFromVault, DepositToVault}, all)
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	delivered := false
	bus.Subscribe(Paused, func(*Event) { panic("boom") })
	bus.Subscribe(Paused, func(*Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Emit(Paused, "access", nil) })
	assert.True(t, delivered)
}

func TestManager_EmitAndEmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	m := NewManager(bus, zerolog.Nop())

	var got []*Event
	bus.SubscribeAll(func(e *Event) { got = append(got, e) })

	m.Emit("vault", &RedepositData{Amount: "10"})
	m.EmitError("keeper", errors.New("source offline"), map[string]interface{}{"source": "aave"})
	m.Emit("vault", nil)

	require.Len(t, got, 2)
	assert.Equal(t, RedepositToPools, got[0].Type)
	assert.Equal(t, "vault", got[0].Module)
	assert.Equal(t, ErrorOccurred, got[1].Type)
	assert.Equal(t, "source offline", got[1].Data["error"])
	assert.Same(t, bus, m.Bus())
}

func TestJournal_RecordsBusEvents(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()

	bus := NewBus(zerolog.Nop())
	journal := NewJournal(db.Conn(), zerolog.Nop())
	journal.Attach(bus)
	m := NewManager(bus, zerolog.Nop())

	m.Emit("vault", &DepositData{Caller: "alice", Assets: "1", Shares: "1"})
	m.Emit("vault", &DepositData{Caller: "bob", Assets: "2", Shares: "2"})
	m.Emit("access", &PauseData{By: "owner", Paused: true})

	n, err := journal.Count(DepositToVault)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := journal.Recent(DepositToVault, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].Data["caller"])
	assert.NotEmpty(t, entries[0].ID)
	assert.WithinDuration(t, time.Now(), entries[0].CreatedAt, time.Minute)

	all, err := journal.Recent("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
