package wire

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn with the typed Message envelope, the way
// the teacher's retrieved websocket handlers wrap an upgraded HTTP
// connection with a read/write loop (AMD-AGI-Primus-SaFE's TensorBoard
// stream handler) — generalized here from a one-directional log stream
// to the bidirectional request/response protocol this spec needs.
type Conn struct {
	ws *websocket.Conn
}

// Upgrader is shared across all incoming worker connections; CheckOrigin
// is left to the caller's http.Handler wrapping, same division of
// responsibility the teacher's example leaves to its gin middleware.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Accept upgrades an incoming HTTP request to a worker connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// Dial opens a worker-side connection to the manager.
func Dial(url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// Send writes one Message as a JSON text frame.
func (c *Conn) Send(msg Message) error {
	return c.ws.WriteJSON(msg)
}

// Receive blocks for the next Message.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

// SetReadDeadline bounds how long Receive may block, so a stalled peer is
// detected rather than hanging the read loop forever.
func (c *Conn) SetReadDeadline(d time.Duration) error {
	return c.ws.SetReadDeadline(time.Now().Add(d))
}

func (c *Conn) Close() error { return c.ws.Close() }

// Encode/Decode are exposed for tests that want to round-trip a Message
// through JSON without a live socket.
func Encode(msg Message) ([]byte, error) { return json.Marshal(msg) }

func Decode(b []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(b, &msg)
	return msg, err
}
