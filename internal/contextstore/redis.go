package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
)

// RedisStore keeps per-user history in Redis:
//
//	ctx:<user>:interactions   list of JSON items, newest first, capped
//	ctx:<user>:agent_total    hash agent -> interactions
//	ctx:<user>:agent_success  hash agent -> successful interactions
//	ctx:<user>:categories     hash category -> count
type RedisStore struct {
	client *redis.Client
	cb     *circuitbreaker.CircuitBreaker
	max    int64
	clock  clock.Clock
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, maxItems int, clk clock.Clock, logger *zap.Logger) *RedisStore {
	if maxItems <= 0 {
		maxItems = 200
	}
	cfg := circuitbreaker.FromEnv("context-store", circuitbreaker.ContextDefaults).ToConfig("context-store")
	cfg.IsFailure = func(err error) bool { return err != redis.Nil }
	return &RedisStore{
		client: client,
		cb:     circuitbreaker.NewCircuitBreaker("context-store", cfg, logger),
		max:    int64(maxItems),
		clock:  clock.OrSystem(clk),
		logger: logger,
	}
}

func key(userID, suffix string) string { return "ctx:" + userID + ":" + suffix }

func (s *RedisStore) GetRelevantContext(ctx context.Context, userID, query string, limit int) ([]Item, error) {
	raw, err := circuitbreaker.Do(ctx, s.cb, func() ([]string, error) {
		return s.client.LRange(ctx, key(userID, "interactions"), 0, s.max-1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var it Item
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			s.logger.Debug("Skipping undecodable context item", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		items = append(items, it)
	}
	return rank(items, query, limit), nil
}

func (s *RedisStore) GetUserPatterns(ctx context.Context, userID string) (*Patterns, error) {
	type hashes struct {
		totals, successes, cats map[string]string
		n                       int64
	}
	h, err := circuitbreaker.Do(ctx, s.cb, func() (hashes, error) {
		var out hashes
		pipe := s.client.Pipeline()
		totals := pipe.HGetAll(ctx, key(userID, "agent_total"))
		successes := pipe.HGetAll(ctx, key(userID, "agent_success"))
		cats := pipe.HGetAll(ctx, key(userID, "categories"))
		n := pipe.LLen(ctx, key(userID, "interactions"))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return out, err
		}
		out.totals, out.successes, out.cats, out.n = totals.Val(), successes.Val(), cats.Val(), n.Val()
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}

	p := &Patterns{AgentSuccessRates: map[string]float64{}, AgentUsage: map[string]int{}, Categories: map[string]int{}, Interactions: int(h.n)}
	for agent, t := range h.totals {
		total, _ := strconv.Atoi(t)
		if total <= 0 {
			continue
		}
		ok, _ := strconv.Atoi(h.successes[agent])
		p.AgentUsage[agent] = total
		p.AgentSuccessRates[agent] = float64(ok) / float64(total)
	}
	for c, v := range h.cats {
		n, _ := strconv.Atoi(v)
		p.Categories[c] = n
	}
	return p, nil
}

func (s *RedisStore) SaveInteraction(ctx context.Context, in Interaction) error {
	if in.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	item := Item{
		ID:        uuid.NewString(),
		Content:   in.Message + "\n" + in.Response,
		Metadata:  in.Metadata,
		CreatedAt: s.clock.Now(),
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}
	success := interactionSuccess(in.Metadata)
	agents := interactionAgents(in.Metadata)
	category := interactionCategory(in.Metadata)

	return s.cb.Execute(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key(in.UserID, "interactions"), payload)
			pipe.LTrim(ctx, key(in.UserID, "interactions"), 0, s.max-1)
			for _, a := range agents {
				pipe.HIncrBy(ctx, key(in.UserID, "agent_total"), a, 1)
				if success {
					pipe.HIncrBy(ctx, key(in.UserID, "agent_success"), a, 1)
				}
			}
			if category != "" {
				pipe.HIncrBy(ctx, key(in.UserID, "categories"), category, 1)
			}
			return nil
		})
		return err
	})
}
