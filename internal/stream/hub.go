// Package stream fans live run stats out to websocket clients. With Redis
// configured every instance publishes to and listens on the same channels,
// so a client sees an athlete's stats whichever instance serves the run.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "runs:"
	channelSuffix  = ":stats"
	channelPattern = channelPrefix + "*" + channelSuffix

	clientBuffer     = 64
	subscribeTimeout = 2 * time.Second
)

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	logger  *slog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	AthleteID string
	Send      chan []byte
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:  logger,
		clients: map[string]map[*Client]struct{}{},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	pubsub := redisClient.PSubscribe(ctx, channelPattern)
	rctx, rcancel := context.WithTimeout(ctx, subscribeTimeout)
	defer rcancel()
	if _, err := pubsub.Receive(rctx); err != nil {
		logger.Warn("redis stream unavailable, broadcasting locally", "error", err)
		_ = pubsub.Close()
		close(h.done)
		return h
	}

	h.redis = redisClient
	h.pubsub = pubsub
	go h.subscribeRedis(ctx)
	return h
}

func (h *Hub) Register(athleteID string) *Client {
	client := &Client{
		AthleteID: athleteID,
		Send:      make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[athleteID] == nil {
		h.clients[athleteID] = map[*Client]struct{}{}
	}
	h.clients[athleteID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	athleteClients, ok := h.clients[client.AthleteID]
	if !ok {
		return
	}
	if _, ok := athleteClients[client]; !ok {
		return
	}
	delete(athleteClients, client)
	if len(athleteClients) == 0 {
		delete(h.clients, client.AthleteID)
	}
	close(client.Send)
}

// Broadcast delivers payload to the athlete's subscribers. With Redis the
// message makes a round trip through the channel, including to local clients;
// if the publish fails it is delivered locally only.
func (h *Hub) Broadcast(athleteID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(athleteID), payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed", "athlete_id", athleteID, "error", err)
	}
	h.deliver(athleteID, payload)
}

// Close stops the Redis subscription and waits for its reader to exit.
func (h *Hub) Close() error {
	h.cancel()
	var err error
	if h.pubsub != nil {
		err = h.pubsub.Close()
	}
	<-h.done
	return err
}

func (h *Hub) deliver(athleteID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[athleteID] {
		select {
		case client.Send <- payload:
		default:
			h.logger.Debug("dropping stats for slow client", "athlete_id", athleteID)
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer close(h.done)

	ch := h.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			athleteID := athleteIDFromChannel(msg.Channel)
			if athleteID == "" {
				continue
			}
			h.deliver(athleteID, []byte(msg.Payload))
		}
	}
}

func redisChannel(athleteID string) string {
	return channelPrefix + athleteID + channelSuffix
}

func athleteIDFromChannel(ch string) string {
	// runs:{athlete}:stats
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
