package rest

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/vidfetch/vidfetchd/internal/logctx"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// HandleProgressSocket upgrades to a websocket and relays job snapshots
// until the job reaches a terminal status or the client goes away. A late
// connection to a finished job gets the final snapshot and a clean close.
func (h *Handler) HandleProgressSocket(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	updates, cancelSub, ok := h.jobs.Subscribe(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")

		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.socketOriginAllowed,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancelSub()
		logger.Warn("websocket upgrade failed", "job_id", id, "err", err)

		return
	}

	defer conn.Close()
	defer cancelSub()

	// Terminal jobs already have their final snapshot buffered in the
	// subscription; writing it here too would duplicate it.
	if snapshot, found := h.jobs.Get(id); found && !snapshot.Status.Terminal() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}

	// The read pump exists only to notice the client hanging up.
	clientGone := make(chan struct{})

	go func() {
		defer close(clientGone)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case snapshot, open := <-updates:
			if !open {
				// Terminal status; say goodbye properly.
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck // closing anyway
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job complete"))

				return
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// socketOriginAllowed admits same-host connections plus the configured
// origins, mirroring the CORS policy.
func (h *Handler) socketOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if h.originAllowed(origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	return strings.EqualFold(u.Host, r.Host)
}
