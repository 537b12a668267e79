// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package remotestore

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// changeNote is the payload-free notification pushed to subscribed devices.
// Clients react by re-fetching; the row itself never travels this channel.
type changeNote struct {
	Table string `json:"table"`
}

// Hub fans change notifications out to a user's connected devices. A write
// to any table notifies every connection of that user except the one on the
// device that made the write — the writer already has the data.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[*hubConn]bool
	logger  *slog.Logger
	sendBuf int

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

type hubConn struct {
	userID   string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byUser:     make(map[string]map[*hubConn]bool),
		logger:     logger,
		sendBuf:    16,
		writeWait:  10 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 54 * time.Second,
	}
}

// Register adopts an upgraded websocket connection and starts its pumps.
func (h *Hub) Register(userID, deviceID string, conn *websocket.Conn) {
	c := &hubConn{
		userID:   userID,
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, h.sendBuf),
	}
	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*hubConn]bool)
	}
	h.byUser[userID][c] = true
	h.mu.Unlock()

	h.logger.Info("change feed connected", "user", userID, "device", deviceID)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if conns, ok := h.byUser[c.userID]; ok && conns[c] {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Broadcast notifies every connection of the user about a change in table,
// skipping the device that originated the write.
func (h *Hub) Broadcast(userID, table, excludeDeviceID string) {
	msg, err := json.Marshal(changeNote{Table: table})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		if c.deviceID == excludeDeviceID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer; it will re-fetch on reconnect anyway.
			h.logger.Warn("dropping change notification", "user", userID, "device", c.deviceID)
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *hubConn) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})
	for {
		// The feed is one-way; inbound messages are drained and ignored.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
