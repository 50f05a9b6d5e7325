package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var _ Store = (*RedisStore)(nil)

const (
	fieldKey          = "key"
	fieldAsset        = "asset"
	fieldLastBuyPrice = "lastBuyPrice"
	fieldQuantity     = "quantity"

	scanBatch = 100
)

// RedisStore keeps one hash per asset under a namespace, the layout the
// trailing-trade bot reads its last buy prices from.
type RedisStore struct {
	client    redis.Cmdable
	namespace string
	quote     string
	logger    *zap.Logger
}

// NewRedisStore pings the server and returns the store. A failed ping is
// reported as ErrStoreUnavailable.
func NewRedisStore(ctx context.Context, client redis.Cmdable, namespace, quote string, logger *zap.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		quote:     quote,
		logger:    logger.Named("ledger-redis"),
	}, nil
}

// keyForAsset returns the redis key holding the entry of asset.
func (s *RedisStore) keyForAsset(asset string) string {
	return s.namespace + ":" + Key(asset, s.quote)
}

func (s *RedisStore) Get(ctx context.Context, asset string) (Entry, bool, error) {
	return s.read(ctx, s.keyForAsset(asset))
}

func (s *RedisStore) read(ctx context.Context, redisKey string) (Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read ledger entry %s: %w", redisKey, err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	price, err := decimal.NewFromString(fields[fieldLastBuyPrice])
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s has lastBuyPrice %q", ErrInvalidEntry, redisKey, fields[fieldLastBuyPrice])
	}
	quantity, err := decimal.NewFromString(fields[fieldQuantity])
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s has quantity %q", ErrInvalidEntry, redisKey, fields[fieldQuantity])
	}
	if quantity.IsZero() {
		return Entry{}, false, nil
	}

	return Entry{
		Key:          fields[fieldKey],
		Asset:        fields[fieldAsset],
		LastBuyPrice: price,
		Quantity:     quantity,
	}, true, nil
}

// Upsert writes every field with a single HSET, which redis applies atomically.
func (s *RedisStore) Upsert(ctx context.Context, asset string, avgPrice, quantity decimal.Decimal) error {
	if err := validate(asset, avgPrice, quantity); err != nil {
		return err
	}
	redisKey := s.keyForAsset(asset)
	err := s.client.HSet(ctx, redisKey,
		fieldKey, Key(asset, s.quote),
		fieldAsset, asset,
		fieldLastBuyPrice, avgPrice.String(),
		fieldQuantity, quantity.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry %s: %w", redisKey, err)
	}
	s.logger.Debug("Ledger entry upserted",
		zap.String("key", redisKey),
		zap.String("last_buy_price", avgPrice.String()),
		zap.String("quantity", quantity.String()))
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, asset string) error {
	redisKey := s.keyForAsset(asset)
	if err := s.client.Del(ctx, redisKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to remove ledger entry %s: %w", redisKey, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.namespace+":*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger namespace %s: %w", s.namespace, err)
		}
		for _, key := range keys {
			entry, ok, err := s.read(ctx, key)
			if err != nil {
				s.logger.Warn("Skipping unreadable ledger entry", zap.String("key", key), zap.Error(err))
				continue
			}
			if ok {
				entries = append(entries, entry)
			}
		}
		if next == 0 {
			return entries, nil
		}
		cursor = next
	}
}
