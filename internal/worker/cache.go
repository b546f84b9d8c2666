package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"animehome/internal/models"
	"animehome/internal/redis"

	"go.uber.org/zap"
)

const (
	redisInvalidateChannel = "animehome:invalidate"
	redisStateTTL          = 30 * time.Minute
	redisOpTimeout         = 2 * time.Second
)

type invalidateMessage struct {
	CharacterIDs []int64 `json:"character_ids"`
}

type stateCache struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateCache {
	return &stateCache{client: client}
}

func historyKey(characterID int64) string {
	return fmt.Sprintf("animehome:history:%d", characterID)
}

func characterKey(characterID int64) string {
	return fmt.Sprintf("animehome:character:%d", characterID)
}

func (r *stateCache) enabled() bool {
	return r != nil && r.client != nil
}

// startListener applies invalidations published by other server instances
// until ctx is done.
func (r *stateCache) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if !r.enabled() || handler == nil {
		return
	}
	sub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		zap.L().Warn("worker invalidation subscribe failed", zap.Error(err))
		return
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					zap.L().Warn("worker invalidation decode failed", zap.Error(err))
					continue
				}
				handler(inv)
			}
		}
	}()
}

// publishInvalidation broadcasts msg to every listener.
func (r *stateCache) publishInvalidation(msg invalidateMessage) {
	if !r.enabled() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		zap.L().Warn("worker invalidation marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		zap.L().Warn("worker publish invalidation failed", zap.Error(err))
	}
}

func (r *stateCache) cacheHistory(characterID int64, history []models.Message) {
	if !r.enabled() || characterID <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.SetJSON(ctx, historyKey(characterID), history, redisStateTTL); err != nil {
		zap.L().Warn("worker cache history failed", zap.Int64("character_id", characterID), zap.Error(err))
	}
}

func (r *stateCache) loadHistory(characterID int64) ([]models.Message, bool) {
	if !r.enabled() || characterID <= 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	var history []models.Message
	if err := r.client.GetJSON(ctx, historyKey(characterID), &history); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			zap.L().Warn("worker load history failed", zap.Int64("character_id", characterID), zap.Error(err))
		}
		return nil, false
	}
	if history == nil {
		history = []models.Message{}
	}
	return history, true
}

func (r *stateCache) cacheCharacter(c *models.Character) {
	if !r.enabled() || c == nil || c.ID <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.SetJSON(ctx, characterKey(c.ID), c, redisStateTTL); err != nil {
		zap.L().Warn("worker cache character failed", zap.Int64("character_id", c.ID), zap.Error(err))
	}
}

func (r *stateCache) loadCharacter(characterID int64) (*models.Character, bool) {
	if !r.enabled() || characterID <= 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	var c models.Character
	if err := r.client.GetJSON(ctx, characterKey(characterID), &c); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			zap.L().Warn("worker load character failed", zap.Int64("character_id", characterID), zap.Error(err))
		}
		return nil, false
	}
	return &c, true
}

func (r *stateCache) invalidate(characterIDs ...int64) {
	if !r.enabled() || len(characterIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(characterIDs)*2)
	for _, id := range characterIDs {
		keys = append(keys, historyKey(id), characterKey(id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, keys...); err != nil {
		zap.L().Warn("worker invalidate cache failed", zap.Int64s("character_ids", characterIDs), zap.Error(err))
	}
}
