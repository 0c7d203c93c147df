// -----------------------------------------------------------------------
// WebSocket Handler - Live per-scan event streaming
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/models"
	"github.com/ternarybob/talon/internal/services/scans"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// WebSocketHandler upgrades scan event stream connections and bridges them
// into the subscriber registry.
type WebSocketHandler struct {
	manager    *scans.Manager
	logger     arbor.ILogger
	sendBuffer int
}

// NewWebSocketHandler creates a new websocket handler. sendBuffer is the
// per-connection outbound queue; a connection that falls this far behind is
// dropped rather than allowed to stall other subscribers.
func NewWebSocketHandler(manager *scans.Manager, sendBuffer int, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:    manager,
		logger:     logger,
		sendBuffer: sendBuffer,
	}
}

// HandleScanWS streams a scan's events over a websocket connection.
// GET /api/scans/{id}/ws
func (h *WebSocketHandler) HandleScanWS(w http.ResponseWriter, r *http.Request, scanID string) {
	scan, err := h.manager.GetScan(scanID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Scan not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("scan_id", scanID).Msg("WebSocket upgrade failed")
		return
	}

	sub := newWSSubscriber(conn, h.sendBuffer)

	// A scan that already finished has no live stream; replay its terminal
	// event so the client still gets a well-formed close of the protocol.
	if scan.IsTerminal() {
		sub.Send(terminalEventFor(scan))
		sub.Close()
		sub.waitClosed()
		return
	}

	if err := h.manager.Subscribe(scanID, sub); err != nil {
		sub.Close()
		return
	}

	h.logger.Debug().
		Str("scan_id", scanID).
		Str("subscriber_id", sub.ID()).
		Msg("WebSocket subscriber connected")

	// Read loop exists to detect client disconnect and answer pings; the
	// client is not expected to send data.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.manager.Unsubscribe(scanID, sub)
	sub.Close()

	h.logger.Debug().
		Str("scan_id", scanID).
		Str("subscriber_id", sub.ID()).
		Msg("WebSocket subscriber disconnected")
}

// terminalEventFor synthesizes the terminal event matching a finished scan.
func terminalEventFor(scan *models.Scan) models.ScanEvent {
	switch scan.Status {
	case models.ScanStatusFailed:
		return models.NewFailureEvent(scan.ID, scan.ErrorDetail)
	case models.ScanStatusCancelled:
		return models.NewProgressEvent(scan.ID, "Scan cancelled by user")
	default:
		return models.NewCompletionEvent(scan)
	}
}

// wsSubscriber adapts one websocket connection to the subscriber interface.
// Events are queued on a buffered channel and written by a dedicated
// goroutine, so Send never blocks the broadcaster.
type wsSubscriber struct {
	id       string
	conn     *websocket.Conn
	send     chan models.ScanEvent
	done     chan struct{}
	finished chan struct{}
	closed   sync.Once
}

func newWSSubscriber(conn *websocket.Conn, buffer int) *wsSubscriber {
	s := &wsSubscriber{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan models.ScanEvent, buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// ID returns the subscriber's registry identity.
func (s *wsSubscriber) ID() string {
	return s.id
}

// Send queues an event for the connection. Fails when the connection is
// closed or the client is too slow to drain its buffer.
func (s *wsSubscriber) Send(event models.ScanEvent) error {
	select {
	case <-s.done:
		return errors.New("connection closed")
	default:
	}

	select {
	case s.send <- event:
		return nil
	default:
		return fmt.Errorf("send buffer full (%d events pending)", cap(s.send))
	}
}

// Close stops the write pump and closes the connection. Safe to call from
// both the broadcaster and the HTTP handler.
func (s *wsSubscriber) Close() error {
	s.closed.Do(func() {
		close(s.done)
	})
	return nil
}

// waitClosed blocks until the write pump has drained queued events and shut
// the connection. Used for terminal replays on already-finished scans.
func (s *wsSubscriber) waitClosed() {
	<-s.finished
}

// writePump serializes all writes to the connection: queued events, periodic
// pings, and the final close frame.
func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.finished)
	}()

	for {
		select {
		case event := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(event); err != nil {
				s.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			// Drain anything queued before closing so terminal events land.
			for {
				select {
				case event := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteJSON(event) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
