package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const presenceTTL = 60 * time.Second

// Presence mirrors the registry's view of who is online into Redis, keyed
// presence:<userID> with a TTL, so out-of-process consumers can query
// liveness. It is strictly advisory: the registry stays the source of truth
// for delivery routing, and every Redis write is best-effort.
type Presence struct {
	rdb      *redis.Client
	registry *Registry
}

func NewPresence(rdb *redis.Client, registry *Registry) *Presence {
	return &Presence{rdb: rdb, registry: registry}
}

// Online marks the user reachable.
func (p *Presence) Online(ctx context.Context, userID int) {
	if err := p.rdb.Set(ctx, presenceKey(userID), time.Now().Unix(), presenceTTL).Err(); err != nil {
		log.Warn().Err(err).Int("user_id", userID).Msg("presence set")
	}
}

// Offline clears the user's presence key.
func (p *Presence) Offline(ctx context.Context, userID int) {
	if err := p.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		log.Warn().Err(err).Int("user_id", userID).Msg("presence del")
	}
}

// Run refreshes the presence keys of all registered users until ctx is done,
// keeping TTLs ahead of expiry. Intended as a long-lived goroutine.
func (p *Presence) Run(ctx context.Context) {
	ticker := time.NewTicker(presenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range p.registry.OnlineUserIDs() {
				p.Online(ctx, id)
			}
		}
	}
}

func presenceKey(userID int) string {
	return fmt.Sprintf("presence:%d", userID)
}
