package rendezvous

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"nhooyr.io/websocket"
)

func (c *Client) send(ctx context.Context, msg outboundMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal %s: %w", msg.Type, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("rendezvous: write %s: %w", msg.Type, err)
	}
	return nil
}

// readPump is the sole reader of the WebSocket connection. It
// demultiplexes inbound frames: peer "message"s go to c.messages
// (after self-echo/duplicate filtering), everything else is handed to
// whichever in-flight request is waiting via c.replies, and server
// "error" frames are surfaced through c.errs.
func (c *Client) readPump(ctx context.Context) {
	defer close(c.readDone)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case c.errs <- fmt.Errorf("rendezvous: connection lost: %w", err):
			default:
			}
			return
		}
		if typ == websocket.MessageBinary {
			select {
			case c.errs <- fmt.Errorf("%w: unexpected binary frame", ErrProtocol):
			default:
			}
			continue
		}

		var m inboundMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("rendezvous: dropping malformed frame: %v", err)
			continue
		}

		switch m.Type {
		case "ack":
			// pure correlation signal; nothing to do.
		case "message":
			c.deliver(m)
		case "error":
			select {
			case c.errs <- fmt.Errorf("%w: %s", ErrServer, m.Error):
			default:
			}
		case "welcome", "allocated", "claimed", "released", "closed", "nameplates", "pong":
			select {
			case c.replies <- m:
			default:
				// Reply channel is only drained by the one in-flight
				// request; a second concurrent request is a caller bug.
			}
		default:
			log.Printf("rendezvous: ignoring unknown message type %q", m.Type)
		}
	}
}

func (c *Client) deliver(m inboundMessage) {
	if m.Side == c.side {
		return // self-echo
	}
	key := m.Side + "\x00" + m.Phase
	c.mu.Lock()
	if c.seen[key] {
		c.mu.Unlock()
		return
	}
	c.seen[key] = true
	c.mu.Unlock()

	body, err := hex.DecodeString(m.Body)
	if err != nil {
		log.Printf("rendezvous: dropping message with non-hex body: %v", err)
		return
	}
	c.messages <- PeerMessage{Side: m.Side, Phase: m.Phase, Body: body}
}

// nextRaw waits for the next non-message reply frame.
func (c *Client) nextRaw(ctx context.Context) (inboundMessage, error) {
	select {
	case m := <-c.replies:
		return m, nil
	case err := <-c.errs:
		return inboundMessage{}, err
	case <-ctx.Done():
		return inboundMessage{}, ctx.Err()
	}
}

// waitType waits for a reply of exactly the given type.
func (c *Client) waitType(ctx context.Context, typ string) (inboundMessage, error) {
	m, err := c.nextRaw(ctx)
	if err != nil {
		return inboundMessage{}, err
	}
	if m.Type != typ {
		return inboundMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrProtocol, typ, m.Type)
	}
	return m, nil
}
