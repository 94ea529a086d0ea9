package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single packet write so one stuck peer cannot wedge
// the spooler's dispatch path.
const writeTimeout = 30 * time.Second

// maxPacketSize bounds inbound packet reads. One chunk plus framing fits
// comfortably; anything larger is a protocol violation.
const maxPacketSize = 1 << 21

// Conn adapts a websocket connection to the Sender interface. One Conn
// carries traffic for exactly one remote peer.
type Conn struct {
	ws     *websocket.Conn
	peerID uint64
	logger *slog.Logger
}

// Dial connects to a cloudpair server endpoint. peerID is the identity this
// side will report for the remote on inbound commands.
func Dial(ctx context.Context, url string, peerID uint64, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: dialing %s: %w", url, err)
	}

	ws.SetReadLimit(maxPacketSize)

	return &Conn{ws: ws, peerID: peerID, logger: logger}, nil
}

// Accept upgrades an inbound HTTP request to a cloudpair connection.
func Accept(w http.ResponseWriter, r *http.Request, peerID uint64, logger *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: accepting websocket: %w", err)
	}

	ws.SetReadLimit(maxPacketSize)

	return &Conn{ws: ws, peerID: peerID, logger: logger}, nil
}

// Send implements Sender. The packet is encoded and written with a bounded
// timeout; any failure is reported as undeliverable rather than an error,
// matching the delegate contract.
func (c *Conn) Send(_ uint64, cmd Command, payload ...[]byte) bool {
	data, err := Encode(cmd, payload...)
	if err != nil {
		c.logger.Error("wire: encoding packet", "command", cmd.String(), "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.logger.Warn("wire: write failed", "command", cmd.String(), "error", err)
		return false
	}

	return true
}

// ReadLoop reads packets until the connection or context ends, dispatching
// each to h. Foreign-tagged or malformed packets are logged and dropped.
func (c *Conn) ReadLoop(ctx context.Context, h Handler) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("wire: read: %w", err)
		}

		if typ != websocket.MessageBinary {
			c.logger.Warn("wire: dropping non-binary message")
			continue
		}

		cmd, segments, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrForeignTag) {
				c.logger.Debug("wire: dropping foreign-tagged packet")
				continue
			}

			c.logger.Warn("wire: dropping malformed packet", "error", err)

			continue
		}

		h(c.peerID, cmd, segments)
	}
}

// Close closes the underlying websocket with a normal-closure status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
