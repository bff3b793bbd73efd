package events

import (
	"encoding/json"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// Amounts travel as base-10 strings so 128-bit values survive JSON.

// DepositData contains data for DepositToVault events
type DepositData struct {
	Caller       string `json:"caller"`
	Receiver     string `json:"receiver"`
	Assets       string `json:"assets"`
	Shares       string `json:"shares"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// EventType returns the event type for DepositData
func (d *DepositData) EventType() EventType {
	return DepositToVault
}

// WithdrawData contains data for WithdrawFromVault events
type WithdrawData struct {
	Caller    string `json:"caller"`
	Receiver  string `json:"receiver"`
	Owner     string `json:"owner"`
	Shares    string `json:"shares"`
	Owed      string `json:"owed"`
	Assets    string `json:"assets"`
	Shortfall string `json:"shortfall"`
}

// EventType returns the event type for WithdrawData
func (d *WithdrawData) EventType() EventType {
	return WithdrawFromVault
}

// WeightEntry is one source weight inside PoolWeightsUpdatedData.
type WeightEntry struct {
	Source string `json:"source"`
	Weight uint16 `json:"weight_bps"`
}

// PoolWeightsUpdatedData contains data for PoolWeightsUpdated events
type PoolWeightsUpdatedData struct {
	OldWeights   []WeightEntry `json:"old_weights"`
	Weights      []WeightEntry `json:"weights"`
	Evacuated    string        `json:"evacuated"`
	Redeployed   string        `json:"redeployed"`
	ResidualIdle string        `json:"residual_idle"`
}

// EventType returns the event type for PoolWeightsUpdatedData
func (d *PoolWeightsUpdatedData) EventType() EventType {
	return PoolWeightsUpdated
}

// RedepositData contains data for RedepositToPools events
type RedepositData struct {
	Amount       string `json:"amount"`
	Absorbed     string `json:"absorbed"`
	ResidualIdle string `json:"residual_idle"`
}

// EventType returns the event type for RedepositData
func (d *RedepositData) EventType() EventType {
	return RedepositToPools
}

// RewardEntry is one reward token amount inside HarvestData.
type RewardEntry struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// HarvestData contains data for HarvestRewards events
type HarvestData struct {
	Source   string        `json:"source"`
	Claimed  []RewardEntry `json:"claimed"`
	Received string        `json:"received"`
}

// EventType returns the event type for HarvestData
func (d *HarvestData) EventType() EventType {
	return HarvestRewards
}

// RecoveryData contains data for SweepFunds and RescueFunds events
type RecoveryData struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	To     string `json:"to"`
	Rescue bool   `json:"rescue"`
}

// EventType returns SweepFunds or RescueFunds
func (d *RecoveryData) EventType() EventType {
	if d.Rescue {
		return RescueFunds
	}
	return SweepFunds
}

// WhitelistData contains data for AddressWhitelisted events
type WhitelistData struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

// EventType returns the event type for WhitelistData
func (d *WhitelistData) EventType() EventType {
	return AddressWhitelisted
}

// PauseData contains data for Paused and Unpaused events
type PauseData struct {
	By     string `json:"by"`
	Paused bool   `json:"paused"`
}

// EventType returns Paused or Unpaused
func (d *PauseData) EventType() EventType {
	if d.Paused {
		return Paused
	}
	return Unpaused
}

// ShortfallData contains data for AdapterWithdrawShortfall events
type ShortfallData struct {
	Source    string `json:"source"`
	Requested string `json:"requested"`
	Returned  string `json:"returned"`
	Error     string `json:"error,omitempty"`
}

// EventType returns the event type for ShortfallData
func (d *ShortfallData) EventType() EventType {
	return AdapterWithdrawShortfall
}

// SnapshotRecordedData contains data for SnapshotRecorded events
type SnapshotRecordedData struct {
	TotalAssets string  `json:"total_assets"`
	TotalShares string  `json:"total_shares"`
	SharePrice  float64 `json:"share_price"`
}

// EventType returns the event type for SnapshotRecordedData
func (d *SnapshotRecordedData) EventType() EventType {
	return SnapshotRecorded
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// ToMap flattens typed data into the map carried by Event.
func ToMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return result
}

// Decode converts an event's data map back into dst.
func Decode(e *Event, dst EventData) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
