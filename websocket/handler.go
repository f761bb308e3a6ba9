package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatcore/auth"
	"chatcore/bridge"
)

const publishTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated clients, attaches them to their room, and
// feeds inbound frames to the fan-out bridge.
type Handler struct {
	bridge *bridge.Bridge
	auth   *auth.Auth
	log    zerolog.Logger

	// msgRate/msgBurst bound how fast one connection may publish.
	msgRate  rate.Limit
	msgBurst int

	wg sync.WaitGroup
}

func NewHandler(b *bridge.Bridge, a *auth.Auth, perSecond float64, burst int, log zerolog.Logger) *Handler {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Handler{
		bridge:   b,
		auth:     a,
		log:      log,
		msgRate:  rate.Limit(perSecond),
		msgBurst: burst,
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "Token not provided", http.StatusUnauthorized)
		return
	}
	clientID, err := h.auth.Verify(tokenString)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "Room not provided", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("client", clientID).Msg("websocket upgrade failed")
		return
	}

	session := NewSession(uuid.NewString(), clientID, conn, h.log)
	h.bridge.Join(roomID, session)
	h.log.Info().Str("client", clientID).Str("room", roomID).Str("session", session.ID()).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetPongHandler(func(string) error { session.UpdateActivity(); return nil })
	go session.StartPingSender(ctx)
	go session.StartActivityChecker(ctx, func() {
		h.log.Info().Str("client", clientID).Str("room", roomID).Msg("connection timed out")
		h.bridge.Leave(roomID, session)
		cancel()
	})

	limiter := rate.NewLimiter(h.msgRate, h.msgBurst)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Str("client", clientID).Msg("read loop ended")
			break
		}

		session.UpdateActivity()

		if !limiter.Allow() {
			h.log.Warn().Str("client", clientID).Str("room", roomID).Msg("message rate exceeded; dropping")
			continue
		}

		h.wg.Add(1)
		go func(payload []byte) {
			defer h.wg.Done()

			pubCtx, pubCancel := context.WithTimeout(ctx, publishTimeout)
			defer pubCancel()

			rep := h.bridge.Publish(pubCtx, roomID, payload)
			h.log.Debug().Str("client", clientID).Str("room", roomID).
				Int("attempted", rep.Attempted).Int("succeeded", rep.Succeeded).Msg("message published")
		}(msg)
	}

	h.log.Info().Str("client", clientID).Str("room", roomID).Msg("client disconnected")
	h.bridge.Leave(roomID, session)
	session.Close()
}

// Wait blocks until all in-flight publishes have finished, for shutdown.
func (h *Handler) Wait() {
	h.wg.Wait()
}
