package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/metrics"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/pkg/circuitbreaker"
	"github.com/Dahilon/Atlas/pkg/config"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// Client publishes the latest committed tier model and trend labels so
// readers can serve them without touching the database.
type Client struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(cfg config.RedisConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c := newClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, cfg.KeyPrefix, time.Duration(cfg.TTLSeconds)*time.Second)

	if err := c.Ping(context.Background()); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr), zap.String("prefix", cfg.KeyPrefix))

	return c, nil
}

func newClient(opts *redis.Options, prefix string, ttl time.Duration) *Client {
	return &Client{
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
		breaker: circuitbreaker.New("redis-snapshot", circuitbreaker.Config{
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			Logger:           logger.Named("cache"),
			OnStateChange: func(_, to circuitbreaker.State) {
				if to == circuitbreaker.StateOpen {
					metrics.CacheBreakerOpen.Set(1)
				} else {
					metrics.CacheBreakerOpen.Set(0)
				}
			},
		}),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) tierKey() string {
	return fmt.Sprintf("%s:tiers:current", c.prefix)
}

// trendsKey is one hash of country to that country's trend labels, so a
// publish replaces the whole set.
func (c *Client) trendsKey() string {
	return fmt.Sprintf("%s:trends", c.prefix)
}

func (c *Client) seqKey() string {
	return fmt.Sprintf("%s:snapshot:seq", c.prefix)
}

const publishAttempts = 3

// PublishSnapshot replaces the cached tier model and trend set with those of
// the run committed at seq, in one MULTI/EXEC watched on the cached seq. A
// snapshot no newer than the cached one is dropped. If the write fails the
// cached snapshot is deleted so readers fall back to the database. Calls are
// short-circuited while the breaker is open.
func (c *Client) PublishSnapshot(ctx context.Context, seq int64, model *models.RiskTierModel, trends []models.TrendLabel) error {
	tierData, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to marshal tier model: %w", err)
	}

	byCountry := make(map[string][]models.TrendLabel)
	for _, t := range trends {
		byCountry[t.Country] = append(byCountry[t.Country], t)
	}
	fields := make(map[string]any, len(byCountry))
	for country, labels := range byCountry {
		data, err := json.Marshal(labels)
		if err != nil {
			return fmt.Errorf("failed to marshal trends for %s: %w", country, err)
		}
		fields[country] = data
	}

	var superseded bool
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		for i := 0; i < publishAttempts; i++ {
			err := c.client.Watch(ctx, func(tx *redis.Tx) error {
				cached, err := tx.Get(ctx, c.seqKey()).Int64()
				if err != nil && err != redis.Nil {
					return fmt.Errorf("failed to read cached seq: %w", err)
				}
				if cached >= seq {
					superseded = true
					return nil
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, c.tierKey(), tierData, c.ttl)
					pipe.Del(ctx, c.trendsKey())
					if len(fields) > 0 {
						pipe.HSet(ctx, c.trendsKey(), fields)
						pipe.Expire(ctx, c.trendsKey(), c.ttl)
					}
					pipe.Set(ctx, c.seqKey(), seq, c.ttl)
					return nil
				})
				return err
			}, c.seqKey())
			if err != redis.TxFailedErr {
				return err
			}
		}
		return redis.TxFailedErr
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, redis.TxFailedErr) {
			c.invalidate(ctx)
		}
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	if superseded {
		logger.Debug("Snapshot publish skipped, cache holds a newer run", zap.Int64("seq", seq))
		return nil
	}
	logger.Debug("Snapshot published",
		zap.Int64("seq", seq),
		zap.String("run_id", model.RunID),
		zap.Int("countries", len(fields)),
		zap.Duration("ttl", c.ttl),
	)
	return nil
}

// invalidate drops the cached snapshot, keeping the seq so an older run
// cannot republish. It is best effort.
func (c *Client) invalidate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := c.client.Del(ctx, c.tierKey(), c.trendsKey()).Err(); err != nil {
		logger.Warn("Failed to invalidate cached snapshot", zap.Error(err))
	}
}

// TierModel returns the cached model. found is false on a miss.
func (c *Client) TierModel(ctx context.Context) (*models.RiskTierModel, bool, error) {
	var m models.RiskTierModel
	found, err := c.read(ctx, c.tierKey(), func(ctx context.Context) *redis.StringCmd {
		return c.client.Get(ctx, c.tierKey())
	}, &m)
	if err != nil || !found {
		return nil, found, err
	}
	return &m, true, nil
}

// Trends returns the cached labels for country, both windows. A country
// absent from the latest published run is a miss.
func (c *Client) Trends(ctx context.Context, country string) ([]models.TrendLabel, bool, error) {
	var labels []models.TrendLabel
	key := c.trendsKey() + "/" + country
	found, err := c.read(ctx, key, func(ctx context.Context) *redis.StringCmd {
		return c.client.HGet(ctx, c.trendsKey(), country)
	}, &labels)
	if err != nil || !found {
		return nil, found, err
	}
	return labels, true, nil
}

func (c *Client) read(ctx context.Context, key string, fetch func(context.Context) *redis.StringCmd, out any) (bool, error) {
	var data []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = fetch(ctx).Bytes()
		if err == redis.Nil {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	logger.Debug("Snapshot cache hit", zap.String("key", key))
	return true, nil
}
