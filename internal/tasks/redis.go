package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

type redisConfig struct {
	Address    string   `mapstructure:"address" validate:"required"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db" validate:"omitempty,gte=0"`
	Command    string   `mapstructure:"command" validate:"required,oneof=get set delete keys expire flush"`
	Key        string   `mapstructure:"key"`
	Keys       []string `mapstructure:"keys"`
	Pattern    string   `mapstructure:"pattern"`
	TTLSeconds float64  `mapstructure:"ttl_seconds" validate:"omitempty,gt=0"`
}

// NewRedis builds a task exposing a narrow command surface against a Redis
// key-value store. Values written by set are JSON-encoded unless already a
// string; get attempts JSON decoding and falls back to the raw string.
func NewRedis(cfg map[string]any, c *chain.Chain) (*task.Task, error) {
	var kindCfg redisConfig
	spec, err := decodeKind(cfg, &kindCfg)
	if err != nil {
		return nil, err
	}
	switch kindCfg.Command {
	case "get", "set", "expire":
		if kindCfg.Key == "" {
			return nil, fmt.Errorf("%w: task %q: redis %s requires key", task.ErrConfiguration, spec.Name, kindCfg.Command)
		}
	case "delete":
		if kindCfg.Key == "" && len(kindCfg.Keys) == 0 {
			return nil, fmt.Errorf("%w: task %q: redis delete requires key or keys", task.ErrConfiguration, spec.Name)
		}
	}
	if kindCfg.Command == "expire" && kindCfg.TTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: task %q: redis expire requires ttl_seconds", task.ErrConfiguration, spec.Name)
	}

	method := func(ctx context.Context, t *task.Task) (any, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     kindCfg.Address,
			Password: kindCfg.Password,
			DB:       kindCfg.DB,
		})
		defer client.Close()
		return kindCfg.execute(ctx, client, t)
	}
	return task.New(spec, method, c.TaskDeps())
}

func (r *redisConfig) execute(ctx context.Context, client *redis.Client, t *task.Task) (any, error) {
	switch r.Command {
	case "get":
		raw, err := client.Get(ctx, r.Key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", r.Key, err)
		}
		var decoded any
		if json.Unmarshal([]byte(raw), &decoded) == nil {
			return decoded, nil
		}
		return raw, nil

	case "set":
		value, err := encodeValue(t.Data())
		if err != nil {
			return nil, fmt.Errorf("redis set %q: %w", r.Key, err)
		}
		ttl := time.Duration(r.TTLSeconds * float64(time.Second))
		if err := client.Set(ctx, r.Key, value, ttl).Err(); err != nil {
			return nil, fmt.Errorf("redis set %q: %w", r.Key, err)
		}
		return map[string]any{"key": r.Key}, nil

	case "delete":
		keys := r.Keys
		if r.Key != "" {
			keys = append([]string{r.Key}, keys...)
		}
		deleted, err := client.Del(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis delete: %w", err)
		}
		return map[string]any{"deleted": deleted}, nil

	case "keys":
		pattern := r.Pattern
		if pattern == "" {
			pattern = "*"
		}
		keys, err := client.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, fmt.Errorf("redis keys %q: %w", pattern, err)
		}
		return keys, nil

	case "expire":
		ttl := time.Duration(r.TTLSeconds * float64(time.Second))
		set, err := client.Expire(ctx, r.Key, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis expire %q: %w", r.Key, err)
		}
		return map[string]any{"key": r.Key, "expire_set": set}, nil

	case "flush":
		if err := client.FlushDB(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis flush: %w", err)
		}
		return map[string]any{"flushed": true}, nil
	}
	return nil, fmt.Errorf("%w: unknown redis command %q", task.ErrConfiguration, r.Command)
}

func encodeValue(v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("no data to store")
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
