package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/shellie/pkg/reports"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	streamBuffer        = 32
)

type snapshotFrame struct {
	Type    string           `json:"type"`
	Reports []reports.Report `json:"reports"`
}

// StreamHandler pushes a snapshot of current reports and then every report
// event over a websocket. Inbound frames are discarded.
type StreamHandler struct {
	Book         *reports.Book
	Logger       *slog.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	// The zero Upgrader rejects cross-origin handshakes.
	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	pingInterval := h.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	events, cancel := h.Book.Hub().Subscribe(streamBuffer)
	defer cancel()

	current, err := h.Book.List(r.Context())
	if err != nil {
		h.Logger.Error("stream snapshot", "error", err)
		current = nil
	}
	if current == nil {
		current = []reports.Report{}
	}
	inSnapshot := make(map[string]struct{}, len(current))
	for _, rep := range current {
		inSnapshot[rep.ID] = struct{}{}
	}
	if err := writeFrame(conn, snapshotFrame{Type: "snapshot", Reports: current}, writeTimeout); err != nil {
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(writeTimeout))
				return
			}
			if ev.Type == reports.EventReport && ev.Report != nil {
				if _, dup := inSnapshot[ev.Report.ID]; dup {
					delete(inSnapshot, ev.Report.ID)
					continue
				}
			}
			if err := writeFrame(conn, ev, writeTimeout); err != nil {
				h.Logger.Debug("stream write failed", "error", err)
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any, writeTimeout time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
