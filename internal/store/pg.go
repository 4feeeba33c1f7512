package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/duskwallet/wallet-sync/internal/domain"
	"github.com/duskwallet/wallet-sync/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// It accesses the underlying *sql.DB and sets the pool configuration.
// If any of the pool settings are 0 or empty, reasonable defaults are used:
//   - MaxOpenConns: 20 (if 0)
//   - MaxIdleConns: 5 (if 0)
//   - ConnMaxLifetime: 5 minutes (if 0)
//   - ConnMaxIdleTime: 10 minutes (if 0)
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// GetOutput retrieves an output by its utxo ID; nil when not stored
func (s *pgStore) GetOutput(ctx context.Context, id domain.UtxoID) (*domain.UnspentOutput, error) {
	var row schema.UnspentOutput
	err := s.db.WithContext(ctx).
		Where("tx_id = ? AND output_index = ?", id.TxID, id.Index).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	return outputToDomain(&row)
}

// ListOutputs retrieves outputs owned by an address, optionally filtered by state
func (s *pgStore) ListOutputs(ctx context.Context, owner string, states ...domain.OutputState) ([]*domain.UnspentOutput, error) {
	query := s.db.WithContext(ctx).Where("owner_address = ?", owner)
	if len(states) > 0 {
		query = query.Where("state IN ?", stateStrings(states))
	}

	var rows []schema.UnspentOutput
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}

	outputs := make([]*domain.UnspentOutput, 0, len(rows))
	for i := range rows {
		output, err := outputToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// CreateOutput inserts an output; it reports false when the output already existed
func (s *pgStore) CreateOutput(ctx context.Context, output *domain.UnspentOutput) (bool, error) {
	row := outputToSchema(output)

	// ON CONFLICT DO NOTHING keeps replayed history idempotent
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}, {Name: "output_index"}},
		DoNothing: true,
	}).Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create output: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// SetOutputState updates the lifecycle state of a stored output
func (s *pgStore) SetOutputState(ctx context.Context, id domain.UtxoID, state domain.OutputState) error {
	result := s.db.WithContext(ctx).
		Model(&schema.UnspentOutput{}).
		Where("tx_id = ? AND output_index = ?", id.TxID, id.Index).
		Update("state", string(state))
	if result.Error != nil {
		return fmt.Errorf("failed to set output state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	return nil
}

// UpdateOutputValue overwrites the value and chain timestamp of a stored output
func (s *pgStore) UpdateOutputValue(ctx context.Context, id domain.UtxoID, value *big.Int, createdAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&schema.UnspentOutput{}).
		Where("tx_id = ? AND output_index = ?", id.TxID, id.Index).
		Updates(map[string]interface{}{
			"value":            value.String(),
			"chain_created_at": createdAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update output value: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	return nil
}

// SetOutputFeeRegistered marks an output as backing a registered fee token
func (s *pgStore) SetOutputFeeRegistered(ctx context.Context, id domain.UtxoID, registered bool) error {
	result := s.db.WithContext(ctx).
		Model(&schema.UnspentOutput{}).
		Where("tx_id = ? AND output_index = ?", id.TxID, id.Index).
		Update("fee_registered", registered)
	if result.Error != nil {
		return fmt.Errorf("failed to set output fee registration: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOutput, id)
	}
	return nil
}

// GetFeeToken retrieves a fee token by nullifier; nil when not stored
func (s *pgStore) GetFeeToken(ctx context.Context, nullifier string) (*domain.FeeToken, error) {
	var row schema.FeeToken
	err := s.db.WithContext(ctx).Where("nullifier = ?", nullifier).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fee token: %w", err)
	}
	return feeTokenToDomain(&row)
}

// ListFeeTokens retrieves fee tokens owned by an address, optionally filtered by state
func (s *pgStore) ListFeeTokens(ctx context.Context, owner string, states ...domain.OutputState) ([]*domain.FeeToken, error) {
	query := s.db.WithContext(ctx).Where("owner_address = ?", owner)
	if len(states) > 0 {
		query = query.Where("state IN ?", stateStrings(states))
	}

	var rows []schema.FeeToken
	if err := query.Order("chain_created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list fee tokens: %w", err)
	}

	tokens := make([]*domain.FeeToken, 0, len(rows))
	for i := range rows {
		token, err := feeTokenToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// CreateFeeToken inserts a fee token; it reports false when the nullifier already existed
func (s *pgStore) CreateFeeToken(ctx context.Context, token *domain.FeeToken) (bool, error) {
	row := feeTokenToSchema(token)

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nullifier"}},
		DoNothing: true,
	}).Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create fee token: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// SetFeeTokenState updates the lifecycle state of a stored fee token
func (s *pgStore) SetFeeTokenState(ctx context.Context, nullifier string, state domain.OutputState) error {
	result := s.db.WithContext(ctx).
		Model(&schema.FeeToken{}).
		Where("nullifier = ?", nullifier).
		Update("state", string(state))
	if result.Error != nil {
		return fmt.Errorf("failed to set fee token state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: fee token %s", domain.ErrUnknownOutput, nullifier)
	}
	return nil
}

// Transact runs fn inside a database transaction
func (s *pgStore) Transact(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgStore{db: tx})
	})
}

func stateStrings(states []domain.OutputState) []string {
	out := make([]string, len(states))
	for i, state := range states {
		out[i] = string(state)
	}
	return out
}
