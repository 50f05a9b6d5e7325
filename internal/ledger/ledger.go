// Package ledger persists the cost basis of held assets.
//
// Every asset maps to one record keyed "<ASSET><QUOTE>-last-buy-price".
// Upserts replace the whole record at once, so a reader sees either the old
// or the new entry, never a mix of fields. An entry with zero quantity reads
// as absent.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"coin-rotation-bot/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

var (
	// ErrStoreUnavailable is returned when the backing storage can't be reached
	// at startup. Callers must treat it as fatal.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrInvalidEntry     = errors.New("invalid ledger entry")
)

// Entry is the cost basis of a single asset.
type Entry struct {
	Key          string          `json:"key"`
	Asset        string          `json:"asset"`
	LastBuyPrice decimal.Decimal `json:"lastBuyPrice"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Store is the ledger contract used by the rotation executor.
type Store interface {
	// Get returns the entry of asset. ok is false when there is none.
	Get(ctx context.Context, asset string) (entry Entry, ok bool, err error)
	// Upsert inserts or replaces the entry of asset.
	Upsert(ctx context.Context, asset string, avgPrice, quantity decimal.Decimal) error
	// Remove deletes the entry of asset. Removing an absent asset is a no-op.
	Remove(ctx context.Context, asset string) error
	// List returns every entry. It never mutates the store.
	List(ctx context.Context) ([]Entry, error)
}

// Key builds the record key of asset settled in quote.
func Key(asset, quote string) string {
	return fmt.Sprintf("%s%s-last-buy-price", asset, quote)
}

func validate(asset string, avgPrice, quantity decimal.Decimal) error {
	if asset == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidEntry)
	}
	if avgPrice.IsNegative() || quantity.IsNegative() {
		return fmt.Errorf("%w: %s price=%s quantity=%s", ErrInvalidEntry, asset, avgPrice, quantity)
	}
	return nil
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.Ledger, db *gorm.DB, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQL, "":
		store, err := NewSQLStore(db, cfg.Quote, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return openRedis(ctx, client, cfg, log)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// openRedis takes ownership of client and closes it when the store can't be built.
func openRedis(ctx context.Context, client *redis.Client, cfg config.Ledger, log *zap.Logger) (Store, error) {
	store, err := NewRedisStore(ctx, client, cfg.Redis.Namespace, cfg.Quote, log)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			log.Warn("Failed to close redis client", zap.Error(cerr))
		}
		return nil, err
	}
	return store, nil
}
