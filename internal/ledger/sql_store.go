package ledger

import (
	"context"
	"errors"
	"fmt"

	"coin-rotation-bot/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps the ledger in the trailing_trade_symbols table.
type SQLStore struct {
	db     *gorm.DB
	quote  string
	logger *zap.Logger
}

// NewSQLStore checks that the table is reachable and returns the store.
func NewSQLStore(db *gorm.DB, quote string, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: no database handle", ErrStoreUnavailable)
	}
	if !db.Migrator().HasTable(&models.LedgerEntry{}) {
		return nil, fmt.Errorf("%w: table %s is missing", ErrStoreUnavailable, models.LedgerEntry{}.TableName())
	}
	return &SQLStore{db: db, quote: quote, logger: logger.Named("ledger-sql")}, nil
}

func (s *SQLStore) Get(ctx context.Context, asset string) (Entry, bool, error) {
	var row models.LedgerEntry
	err := s.db.WithContext(ctx).Where(&models.LedgerEntry{Key: Key(asset, s.quote)}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read ledger entry for %s: %w", asset, err)
	}
	if row.Quantity.IsZero() {
		return Entry{}, false, nil
	}
	return toEntry(row), true, nil
}

func (s *SQLStore) Upsert(ctx context.Context, asset string, avgPrice, quantity decimal.Decimal) error {
	if err := validate(asset, avgPrice, quantity); err != nil {
		return err
	}
	row := models.LedgerEntry{
		Key:          Key(asset, s.quote),
		Asset:        asset,
		LastBuyPrice: avgPrice,
		Quantity:     quantity,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"asset", "last_buy_price", "quantity", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry for %s: %w", asset, err)
	}
	s.logger.Debug("Ledger entry upserted",
		zap.String("key", row.Key),
		zap.String("last_buy_price", avgPrice.String()),
		zap.String("quantity", quantity.String()))
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, asset string) error {
	err := s.db.WithContext(ctx).Where(&models.LedgerEntry{Key: Key(asset, s.quote)}).Delete(&models.LedgerEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove ledger entry for %s: %w", asset, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	var rows []models.LedgerEntry
	if err := s.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if row.Quantity.IsZero() {
			continue
		}
		entries = append(entries, toEntry(row))
	}
	return entries, nil
}

func toEntry(row models.LedgerEntry) Entry {
	return Entry{
		Key:          row.Key,
		Asset:        row.Asset,
		LastBuyPrice: row.LastBuyPrice,
		Quantity:     row.Quantity,
	}
}
