package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// relayConn wraps coder/websocket with a thread-safe write method for the
// relay wire protocol (JSON arrays, text frames).
type relayConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dialRelay(ctx context.Context, relayURL string) (*relayConn, error) {
	conn, _, err := websocket.Dial(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("nostr: dial %s: %w", relayURL, err)
	}
	conn.SetReadLimit(1 << 20) // 1MB
	return &relayConn{conn: conn}, nil
}

// read blocks until the next frame, the context is cancelled, or the
// connection closes.
func (c *relayConn) read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// write sends a text frame. Thread-safe.
func (c *relayConn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *relayConn) close(reason string) {
	_ = c.conn.Close(websocket.StatusNormalClosure, reason)
}

// relayMessage is one decoded frame from the relay.
type relayMessage struct {
	Kind    string // EVENT, EOSE, OK, NOTICE, CLOSED
	SubID   string
	Event   *nostr.Event
	EventID string // OK frames
	OK      bool
	Text    string // NOTICE / OK / CLOSED message
}

// parseRelayMessage decodes relay frames: ["EVENT", subid, {...}],
// ["EOSE", subid], ["OK", id, bool, msg], ["NOTICE", msg],
// ["CLOSED", subid, msg].
func parseRelayMessage(data []byte) (*relayMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("nostr: malformed relay frame: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("nostr: empty relay frame")
	}

	msg := &relayMessage{}
	if err := json.Unmarshal(arr[0], &msg.Kind); err != nil {
		return nil, fmt.Errorf("nostr: relay frame discriminator: %w", err)
	}

	switch msg.Kind {
	case "EVENT":
		if len(arr) < 3 {
			return nil, fmt.Errorf("nostr: EVENT frame too short")
		}
		_ = json.Unmarshal(arr[1], &msg.SubID)
		var ev nostr.Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return nil, fmt.Errorf("nostr: decode event: %w", err)
		}
		msg.Event = &ev

	case "EOSE":
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &msg.SubID)
		}

	case "OK":
		if len(arr) < 3 {
			return nil, fmt.Errorf("nostr: OK frame too short")
		}
		_ = json.Unmarshal(arr[1], &msg.EventID)
		_ = json.Unmarshal(arr[2], &msg.OK)
		if len(arr) > 3 {
			_ = json.Unmarshal(arr[3], &msg.Text)
		}

	case "NOTICE":
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &msg.Text)
		}

	case "CLOSED":
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &msg.SubID)
		}
		if len(arr) > 2 {
			_ = json.Unmarshal(arr[2], &msg.Text)
		}

	default:
		return nil, fmt.Errorf("nostr: unknown relay frame %q", msg.Kind)
	}
	return msg, nil
}

// dmFilter is the REQ filter for encrypted DMs addressed to one pubkey.
type dmFilter struct {
	Kinds []int    `json:"kinds"`
	P     []string `json:"#p"`
	Since int64    `json:"since"`
}

// subscribeRequest builds ["REQ", subID, filter] for kind-4 events tagged
// with pubkey, starting at since. Every (re)connect subscribes from now;
// missed history is covered by the seen store, not by replays.
func subscribeRequest(subID, pubkey string, since time.Time) ([]byte, error) {
	return json.Marshal([]interface{}{
		"REQ", subID,
		dmFilter{
			Kinds: []int{nostr.KindEncryptedDirectMessage},
			P:     []string{pubkey},
			Since: since.Unix(),
		},
	})
}

// eventMessage builds ["EVENT", ev] for publishing.
func eventMessage(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", ev})
}
