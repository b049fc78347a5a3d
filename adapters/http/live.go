package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/nexuscrm/agentusage/core/events"
	"github.com/nexuscrm/agentusage/domain/usage"
)

// maxClientFrame bounds client keepalive frames.
const maxClientFrame = 4 << 10

// LiveConfig controls WebSocket keepalive.
type LiveConfig struct {
	// PingInterval is how often the server pings (default: 30s).
	PingInterval time.Duration
	// Grace drops connections silent for this long (default: 75s).
	Grace time.Duration
	// WriteTimeout bounds each frame write (default: 10s).
	WriteTimeout time.Duration
}

// LiveHandler streams hub messages over WebSocket.
type LiveHandler struct {
	hub    *events.Hub
	cfg    LiveConfig
	logger zerolog.Logger
}

// NewLiveHandler creates a new live feed handler.
func NewLiveHandler(hub *events.Hub, cfg LiveConfig, logger zerolog.Logger) *LiveHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 75 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &LiveHandler{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With().Str("component", "live").Logger(),
	}
}

// ServeHTTP upgrades the connection and streams until either side leaves.
//
//	@Summary		Live usage and alert feed
//	@Description	WebSocket upgrade. Each text frame is a JSON envelope {type, data, timestamp}.
//	@Tags			Live
//	@Success		101	"Switching Protocols"
//	@Failure		400	"Not a WebSocket upgrade request"
//	@Router			/api/v1/live [get]
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &liveConn{
		conn:   conn,
		reader: conn,
		sub:    h.hub.Subscribe(),
		cfg:    h.cfg,
		hub:    h.hub,
		logger: h.logger,
	}
	if rw != nil && rw.Reader != nil {
		c.reader = rw.Reader
	}

	go c.readLoop()
	c.writeLoop()
}

// liveConn is one WebSocket subscriber. Frames are written by writeLoop
// and, for pongs, by readLoop; mu serializes them.
type liveConn struct {
	conn   net.Conn
	reader io.Reader
	sub    *events.Subscriber
	cfg    LiveConfig
	hub    *events.Hub
	logger zerolog.Logger

	mu sync.Mutex
}

func (c *liveConn) write(op ws.OpCode, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, p)
}

func (c *liveConn) writeLoop() {
	defer c.conn.Close()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case m := <-c.sub.C():
			data, err := json.Marshal(m)
			if err != nil {
				c.logger.Error().Err(err).Str("event_type", string(m.EventType)).Msg("failed to encode live message")
				continue
			}
			if err := c.write(ws.OpText, data); err != nil {
				c.fail(err)
				return
			}
		case <-ping.C:
			if err := c.write(ws.OpPing, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.sub.Done():
			status := ws.StatusNormalClosure
			if reason := c.sub.Reason(); reason == events.ReasonSlow || reason == events.ReasonIdle {
				status = ws.StatusPolicyViolation
			} else if reason == events.ReasonShutdown {
				status = ws.StatusGoingAway
			}
			_ = c.write(ws.OpClose, ws.NewCloseFrameBody(status, c.sub.Reason()))
			return
		}
	}
}

func (c *liveConn) fail(err error) {
	derr := &usage.SubscriberDeliveryError{SubscriberID: c.sub.ID(), Err: err}
	c.logger.Warn().Err(derr).Msg("live delivery failed, disconnecting")
	c.hub.Unsubscribe(c.sub, events.ReasonWrite)
}

// readLoop handles client frames. Any frame counts as activity; a
// connection silent for the grace period is dropped.
func (c *liveConn) readLoop() {
	reason := events.ReasonClosed
	defer func() { c.hub.Unsubscribe(c.sub, reason) }()

	br := bufio.NewReaderSize(c.reader, 512)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Grace)); err != nil {
			return
		}
		hdr, err := ws.ReadHeader(br)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = events.ReasonIdle
			}
			return
		}
		if hdr.Length > maxClientFrame || (hdr.OpCode.IsControl() && hdr.Length > ws.MaxControlFramePayloadSize) {
			return
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		switch hdr.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.write(ws.OpPong, payload); err != nil {
				return
			}
		}
	}
}
