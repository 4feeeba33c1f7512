package schema

import (
	"time"
)

// FeeToken represents the fee_tokens table - dust-accruing fee tokens keyed
// by their spend nullifier. Accrued value is never stored; it is derived from
// the creation timestamp, rate and capacity at read time.
type FeeToken struct {
	// Nullifier is the unique spend identifier for the fee token
	Nullifier string `gorm:"column:nullifier;primaryKey;type:text"`
	// OwnerAddress is the wallet address that controls this fee token
	OwnerAddress string `gorm:"column:owner_address;not null;type:text;index:idx_fee_tokens_owner_state,priority:1"`
	// InitialValue is the value at registration time (stored as string to support up to 78 digits)
	InitialValue string `gorm:"column:initial_value;not null;type:numeric(78,0)"`
	// BackingTxID is the transaction hash of the backing output
	BackingTxID string `gorm:"column:backing_tx_id;not null;type:text"`
	// BackingIndex is the backing output's position within its transaction
	BackingIndex uint32 `gorm:"column:backing_index;not null"`
	// BackingValue is the backing output's amount, which scales the accrual rate
	BackingValue string `gorm:"column:backing_value;not null;type:numeric(78,0)"`
	// Capacity is the hard ceiling accrued value never exceeds
	Capacity string `gorm:"column:capacity;not null;type:numeric(78,0)"`
	// RatePerSecond is the dust accrual rate in base units per second
	RatePerSecond string `gorm:"column:rate_per_second;not null;type:numeric(78,0)"`
	// State is the lifecycle state: available, pending or spent
	State string `gorm:"column:state;not null;type:text;index:idx_fee_tokens_owner_state,priority:2"`
	// ChainCreatedAt is the on-chain registration timestamp accrual is anchored to
	ChainCreatedAt time.Time `gorm:"column:chain_created_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this record was first stored
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the FeeToken model
func (FeeToken) TableName() string {
	return "fee_tokens"
}
