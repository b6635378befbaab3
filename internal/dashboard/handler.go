package dashboard

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// attemptLimiter tracks upgrade attempts per IP over a sliding window.
type attemptLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func newAttemptLimiter(limit int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// allow records one attempt for ip and reports whether it is within the
// limit.
func (l *attemptLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	l.sweepLocked(now, cutoff)

	recent := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.attempts[ip] = recent
		return false
	}
	l.attempts[ip] = append(recent, now)
	return true
}

// sweepLocked drops IPs whose attempts have all aged out, at most once
// per window, so the map does not grow with every IP ever seen.
func (l *attemptLimiter) sweepLocked(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	for ip, times := range l.attempts {
		stale := true
		for _, t := range times {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.attempts, ip)
		}
	}
}

// Handler upgrades dashboard connections at /ws.
type Handler struct {
	hub     *Hub
	cfg     config.AuthConfig
	limiter *attemptLimiter
	logger  *logger.Logger
}

// NewHandler creates a dashboard WebSocket handler.
func NewHandler(hub *Hub, cfg config.AuthConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:     hub,
		cfg:     cfg,
		limiter: newAttemptLimiter(cfg.WSAttemptLimit, cfg.WSAttemptWindowDuration()),
		logger:  log.WithFields(zap.String("component", "dashboard_handler")),
	}
}

// HandleConnection authenticates, rate-limits and upgrades a request.
func (h *Handler) HandleConnection(c *gin.Context) {
	ip := c.ClientIP()
	if !h.limiter.allow(ip) {
		h.logger.Warn("upgrade attempt limit exceeded", zap.String("ip", ip))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if h.cfg.SessionToken != "" && token != h.cfg.SessionToken {
		h.logger.Warn("rejected upgrade with invalid session token", zap.String("ip", ip))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("dashboard connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
