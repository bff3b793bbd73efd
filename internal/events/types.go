// Package events provides event emission, fan-out and journaling for the vault.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Vault lifecycle
	DepositToVault     EventType = "DEPOSIT_TO_VAULT"
	WithdrawFromVault  EventType = "WITHDRAW_FROM_VAULT"
	PoolWeightsUpdated EventType = "POOL_WEIGHTS_UPDATED"
	RedepositToPools   EventType = "REDEPOSIT_TO_POOLS"
	HarvestRewards     EventType = "HARVEST_REWARDS"

	// Recovery
	SweepFunds  EventType = "SWEEP_FUNDS"
	RescueFunds EventType = "RESCUE_FUNDS"

	// Access control
	AddressWhitelisted EventType = "ADDRESS_WHITELISTED"
	Paused             EventType = "PAUSED"
	Unpaused           EventType = "UNPAUSED"

	// Operational
	AdapterWithdrawShortfall EventType = "ADAPTER_WITHDRAW_SHORTFALL"
	SnapshotRecorded         EventType = "SNAPSHOT_RECORDED"
	ErrorOccurred            EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every event type, in declaration order.
var AllEventTypes = []EventType{
	DepositToVault,
	WithdrawFromVault,
	PoolWeightsUpdated,
	RedepositToPools,
	HarvestRewards,
	SweepFunds,
	RescueFunds,
	AddressWhitelisted,
	Paused,
	Unpaused,
	AdapterWithdrawShortfall,
	SnapshotRecorded,
	ErrorOccurred,
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
