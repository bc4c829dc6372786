package federation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cis-node/cis/internal/cerr"
)

// FrameConn is a connection-per-peer transport carrying Frame values (spec
// §4.7 "Peer transport is a connection-per-peer with length-prefixed JSON
// frames"). github.com/coder/websocket already length-delimits each
// message at the protocol level, so one Frame maps to exactly one
// websocket message — the length-prefixing the spec calls for is the
// transport's own message framing rather than something this package must
// reimplement on top of a raw stream.
type FrameConn interface {
	Write(ctx context.Context, f Frame) error
	Read(ctx context.Context) (Frame, error)
	Close(reason string) error
}

// wsFrameConn adapts a *websocket.Conn to FrameConn using wsjson, matching
// the teacher's gateway.go server-side WS handling conventions.
type wsFrameConn struct {
	conn *websocket.Conn
}

// NewFrameConn wraps an already-established websocket connection.
func NewFrameConn(conn *websocket.Conn) FrameConn {
	return &wsFrameConn{conn: conn}
}

func (w *wsFrameConn) Write(ctx context.Context, f Frame) error {
	if err := wsjson.Write(ctx, w.conn, f); err != nil {
		return cerr.Wrap(cerr.KindUnavailable, "federation.transport", "write frame", err)
	}
	return nil
}

func (w *wsFrameConn) Read(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, w.conn, &f); err != nil {
		return Frame{}, cerr.Wrap(cerr.KindUnavailable, "federation.transport", "read frame", err)
	}
	return f, nil
}

func (w *wsFrameConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// AcceptPeer upgrades an inbound HTTP request to a peer FrameConn, mirroring
// the teacher's handleWS accept pattern. allowOrigins restricts cross-origin
// upgrades the same way gateway.Server.cfg.AllowOrigins does.
func AcceptPeer(w http.ResponseWriter, r *http.Request, allowOrigins []string) (FrameConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: allowOrigins,
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnavailable, "federation.transport", "accept peer connection", err)
	}
	return NewFrameConn(conn), nil
}

// DialPeer establishes an outbound connection to a peer's endpoint.
func DialPeer(ctx context.Context, endpoint string) (FrameConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnavailable, "federation.transport", fmt.Sprintf("dial %s", endpoint), err)
	}
	return NewFrameConn(conn), nil
}
