package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "analysis_events:"

// RedisTransport subscribes straight to the pub/sub channel the analysis
// workers publish to. It is meant for clients running next to the broker.
// The credential is sent as the Redis password.
type RedisTransport struct {
	Addr          string
	Username      string
	DB            int
	ChannelPrefix string
}

func (t *RedisTransport) Channel(jobID string) string {
	prefix := t.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + jobID
}

func (t *RedisTransport) Dial(ctx context.Context, jobID, credential string) (Conn, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     t.Addr,
		Username: t.Username,
		Password: credential,
		DB:       t.DB,
		// a single long-lived subscription; the pool only serves the handshake
		PoolSize: 1,
	})
	ps := rdb.Subscribe(ctx, t.Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		if isRedisAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("subscribe %s: %w", t.Channel(jobID), err)
	}

	hello, err := json.Marshal(map[string]string{"type": string(FrameConnected), "task_id": jobID})
	if err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return nil, err
	}
	return &redisConn{rdb: rdb, ps: ps, hello: hello}, nil
}

func isRedisAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"wrongpass", "noauth", "invalid password", "invalid username-password"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type redisConn struct {
	rdb   *redis.Client
	ps    *redis.PubSub
	hello []byte

	closeOnce sync.Once
	closeErr  error
}

// Next yields a synthetic connected frame first, the same ack the SSE
// endpoint sends, then every published payload.
func (c *redisConn) Next(ctx context.Context) ([]byte, error) {
	if c.hello != nil {
		hello := c.hello
		c.hello = nil
		return hello, nil
	}
	msg, err := c.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.ps.Close(), c.rdb.Close())
	})
	return c.closeErr
}
