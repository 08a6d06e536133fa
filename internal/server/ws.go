package server

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/coder/websocket"

	"github.com/parley-live/parley/internal/meeting"
)

// acceptWebSocket upgrades the request and wraps the connection for the
// orchestrator.
func (s *Server) acceptWebSocket(w http.ResponseWriter, r *http.Request) (meeting.Conn, error) {
	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CORSOrigins),
	}
	if slices.Contains(s.cfg.CORSOrigins, "*") {
		opts.InsecureSkipVerify = true
	}

	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	// Raw PCM frames can be large; the default 32 KiB cap is too small for
	// high sample rates.
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

// originPatterns converts configured origins ("http://localhost:5173") into
// the host patterns the upgrade check matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" && o != "*" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}

// wsConn adapts a websocket connection to the orchestrator's transport
// contract.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (meeting.MessageKind, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return meeting.KindBinary, data, nil
	}
	return meeting.KindText, data, nil
}

func (w *wsConn) Write(ctx context.Context, kind meeting.MessageKind, data []byte) error {
	typ := websocket.MessageText
	if kind == meeting.KindBinary {
		typ = websocket.MessageBinary
	}
	return w.c.Write(ctx, typ, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "session closed")
}
