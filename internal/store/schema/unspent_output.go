package schema

import (
	"time"
)

// UnspentOutput represents the unspent_outputs table - one row per
// transaction output the wallet has ever observed, including outputs that
// have since been spent. Spent rows are kept so replayed history is
// idempotent and never resurrects value.
type UnspentOutput struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TxID is the hash of the transaction that created this output
	TxID string `gorm:"column:tx_id;not null;type:text;uniqueIndex:idx_outputs_txid_index,priority:1"`
	// OutputIndex is the output's position within the creating transaction
	OutputIndex uint32 `gorm:"column:output_index;not null;uniqueIndex:idx_outputs_txid_index,priority:2"`
	// OwnerAddress is the wallet address that controls this output
	OwnerAddress string `gorm:"column:owner_address;not null;type:text;index:idx_outputs_owner_state,priority:1"`
	// TokenType identifies the asset kind carried by the output
	TokenType string `gorm:"column:token_type;not null;type:text"`
	// Value is the output amount (stored as string to support up to 78 digits for blockchain compatibility)
	Value string `gorm:"column:value;not null;type:numeric(78,0)"`
	// State is the lifecycle state: available, pending or spent
	State string `gorm:"column:state;not null;type:text;index:idx_outputs_owner_state,priority:2"`
	// FeeRegistered indicates the output backs a registered fee token
	FeeRegistered bool `gorm:"column:fee_registered;not null;default:false"`
	// ChainCreatedAt is the on-chain timestamp of the creating transaction
	ChainCreatedAt time.Time `gorm:"column:chain_created_at;not null;type:timestamptz"`
	// CreatedAt is the timestamp when this record was first stored
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the UnspentOutput model
func (UnspentOutput) TableName() string {
	return "unspent_outputs"
}
