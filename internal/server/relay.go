package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	relayRoleSource       = "source"
	relayRoleTarget       = "target"
	defaultPairTimeout    = 2 * time.Minute
	defaultRelayReadLimit = 32 << 20
)

var (
	errRelayRoleTaken   = errors.New("relay: role already joined")
	errRelayPeerMissing = errors.New("relay: peer did not join")
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	PairTimeout time.Duration
	ReadLimit   int64
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Relay pairs the two devices of an initial sync on a channel and forwards their
// websocket messages to each other unchanged.
type Relay struct {
	pairTimeout time.Duration
	readLimit   int64
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	channels map[string]*relayChannel
}

type relayChannel struct {
	key        string
	conns      map[string]*websocket.Conn
	members    int
	paired     chan struct{}
	expired    chan struct{}
	expireOnce sync.Once
	createdAt  time.Time
}

func NewRelay(cfg RelayConfig) *Relay {
	relay := &Relay{
		pairTimeout: cfg.PairTimeout,
		readLimit:   cfg.ReadLimit,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		channels:    make(map[string]*relayChannel),
	}
	if relay.pairTimeout <= 0 {
		relay.pairTimeout = defaultPairTimeout
	}
	if relay.readLimit <= 0 {
		relay.readLimit = defaultRelayReadLimit
	}
	if relay.clock == nil {
		relay.clock = time.Now
	}
	if relay.logger == nil {
		relay.logger = zap.NewNop()
	}
	return relay
}

// Channels returns the number of open channels.
func (r *Relay) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Prune expires channels still waiting for a peer after the pair timeout.
func (r *Relay) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for key, channel := range r.channels {
		select {
		case <-channel.paired:
			continue
		default:
		}
		if now.Sub(channel.createdAt) < r.pairTimeout {
			continue
		}
		channel.expireOnce.Do(func() { close(channel.expired) })
		delete(r.channels, key)
		pruned++
	}
	return pruned
}

func (r *Relay) join(key, role string, conn *websocket.Conn) (*relayChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[key]
	if !ok {
		channel = &relayChannel{
			key:       key,
			conns:     make(map[string]*websocket.Conn, 2),
			paired:    make(chan struct{}),
			expired:   make(chan struct{}),
			createdAt: r.clock(),
		}
		r.channels[key] = channel
	}
	if _, taken := channel.conns[role]; taken {
		return nil, errRelayRoleTaken
	}
	channel.conns[role] = conn
	channel.members++
	if len(channel.conns) == 2 {
		close(channel.paired)
	}
	return channel, nil
}

func (r *Relay) leave(channel *relayChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel.members--
	if channel.members == 0 && r.channels[channel.key] == channel {
		delete(r.channels, channel.key)
	}
}

func (r *Relay) peerOf(channel *relayChannel, role string) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == relayRoleSource {
		return channel.conns[relayRoleTarget]
	}
	return channel.conns[relayRoleSource]
}

func (r *Relay) expire(channel *relayChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel.expireOnce.Do(func() { close(channel.expired) })
	if r.channels[channel.key] == channel {
		delete(r.channels, channel.key)
	}
}

func (r *Relay) pairedPeer(channel *relayChannel, role string) *websocket.Conn {
	select {
	case <-channel.paired:
		return r.peerOf(channel, role)
	default:
		return nil
	}
}

// serve joins conn to the channel and forwards everything it reads to the peer until
// either side closes. Messages read before the peer joins wait for it.
func (r *Relay) serve(ctx context.Context, key, role string, conn *websocket.Conn) error {
	conn.SetReadLimit(r.readLimit)
	channel, err := r.join(key, role, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "role already joined")
		return err
	}
	defer r.leave(channel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		timer := time.NewTimer(r.pairTimeout)
		defer timer.Stop()
		select {
		case <-channel.paired:
		case <-channel.expired:
			cancel()
		case <-timer.C:
			r.expire(channel)
			cancel()
		case <-ctx.Done():
		}
	}()

	var peer *websocket.Conn
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			if peer == nil {
				peer = r.pairedPeer(channel, role)
			}
			if peer == nil {
				_ = conn.Close(websocket.StatusTryAgainLater, "peer did not join")
				if ctx.Err() != nil {
					return errRelayPeerMissing
				}
				return nil
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				_ = peer.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			_ = peer.Close(websocket.StatusInternalError, "peer failed")
			return err
		}
		if peer == nil {
			select {
			case <-channel.paired:
				peer = r.peerOf(channel, role)
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusTryAgainLater, "peer did not join")
				return errRelayPeerMissing
			}
		}
		if err := peer.Write(ctx, messageType, data); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "peer unreachable")
			return err
		}
	}
}

func (h *httpHandler) handleInitialSyncRelay(c *gin.Context) {
	role := c.Query("role")
	if role != relayRoleSource && role != relayRoleTarget {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	channelID := c.Param("channel")
	userID := c.GetString(userIDContextKey)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("initial sync relay upgrade failed", zap.Error(err))
		return
	}
	logFields := []zap.Field{zap.String("user_id", userID), zap.String("channel_id", channelID), zap.String("role", role)}
	h.logger.Debug("initial sync relay joined", logFields...)
	if err := h.relay.serve(c.Request.Context(), userID+"/"+channelID, role, conn); err != nil {
		h.logger.Info("initial sync relay ended", append(logFields, zap.Error(err))...)
		return
	}
	h.logger.Debug("initial sync relay finished", logFields...)
}
