package apiserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/logging"
)

const (
	websocketReadWait  = 90 * time.Second
	websocketWriteWait = 10 * time.Second
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// snapshotFunc builds the resync payload for a channel and reports the source
// version it reflects.
type snapshotFunc func() (payload any, version uint64, err error)

func (s *Service) handleAgentFeed(w http.ResponseWriter, r *http.Request) {
	agentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/ws/agent/"), "/")
	if agentID == "" || strings.Contains(agentID, "/") {
		s.respondError(w, http.StatusNotFound, "agent id is required")
		return
	}
	if _, err := s.gateway.Dashboard(agentID); err != nil {
		s.respondDomainError(w, err, "open agent feed")
		return
	}
	s.serveFeed(w, r, feed.AgentChannel(agentID), agentID, func() (any, uint64, error) {
		dashboard, version, err := s.gateway.AgentSnapshot(agentID)
		return dashboard, version, err
	})
}

func (s *Service) handleSignalsFeed(w http.ResponseWriter, r *http.Request) {
	s.serveFeed(w, r, feed.SignalsChannel, "", func() (any, uint64, error) {
		signals, watermark := s.gateway.SignalsSnapshot(0)
		return signals, watermark, nil
	})
}

func (s *Service) handleRiskFeed(w http.ResponseWriter, r *http.Request) {
	s.serveFeed(w, r, feed.RiskChannel, "", func() (any, uint64, error) {
		dashboard, version := s.gateway.RiskSnapshot()
		return dashboard, version, nil
	})
}

// serveFeed subscribes before reading the snapshot, so every change after the
// snapshot is already queued; queued deltas the snapshot covers are skipped.
func (s *Service) serveFeed(w http.ResponseWriter, r *http.Request, ch feed.Channel, agentID string, snapshot snapshotFunc) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "channel", ch, "err", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(ch)
	defer sub.Cancel()
	logger := logging.Feed(s.logger, string(ch), sub.ID())

	payload, watermark, err := snapshot()
	if err != nil {
		logger.Warn("feed snapshot failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"),
			time.Now().Add(websocketWriteWait))
		return
	}
	sub.SkipThrough(watermark)
	if err := writeWebsocketJSON(conn, domain.Envelope{
		Type:      domain.EnvelopeSnapshot,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Version:   watermark,
	}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, readErrCh)

	interval := s.cfg.Feed.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("feed connection opened", "watermark", watermark)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait)); err != nil {
				return
			}
			if err := writeWebsocketJSON(conn, domain.Envelope{
				Type:      domain.EnvelopeHeartbeat,
				AgentID:   agentID,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		case <-sub.Ready():
			for _, env := range sub.Drain() {
				if err := writeWebsocketJSON(conn, env); err != nil {
					return
				}
			}
		}
	}
}

// websocketReadLoop discards client messages; it exists to observe pongs and
// the close handshake.
func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(websocketReadWait)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(websocketReadWait))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			readErrCh <- err
			return
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload domain.Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
