package visit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type redisOverlay struct {
	client *redis.Client
}

// NewRedisOverlay stores overlay markers as JSON strings under
// "overlay:<service>:<id>" and leases under "lease:<key>".
func NewRedisOverlay(client *redis.Client) Overlay {
	return &redisOverlay{client: client}
}

func overlayKey(service, id string) string { return "overlay:" + service + ":" + id }

func leaseKey(key string) string { return "lease:" + key }

func (o *redisOverlay) Get(ctx context.Context, service string, ids []string) (map[string]OverlayPayload, error) {
	out := make(map[string]OverlayPayload, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = overlayKey(service, id)
	}
	vals, err := o.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("overlay mget %s: %w", service, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p OverlayPayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[ids[i]] = p
	}
	return out, nil
}

func (o *redisOverlay) Put(ctx context.Context, service, id string, p OverlayPayload, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := o.client.Set(ctx, overlayKey(service, id), b, ttl).Err(); err != nil {
		return fmt.Errorf("overlay set %s: %w", service, err)
	}
	return nil
}

func (o *redisOverlay) Remove(ctx context.Context, service, id string) error {
	if err := o.client.Del(ctx, overlayKey(service, id)).Err(); err != nil {
		return fmt.Errorf("overlay del %s: %w", service, err)
	}
	return nil
}

func (o *redisOverlay) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := o.client.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (o *redisOverlay) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, o.client, []string{leaseKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
