// Package listener implements the Listener capability (spec §4.8): TCP,
// TLS, WebSocket and secure-WebSocket acceptors that each hand an
// accepted connection to internal/client.Run. Grounded on the teacher's
// internal/transport/tcp.go accept loop (shutdown flag, connection
// counter, per-connection goroutine), generalized to one loop shared by
// every transport.
package listener

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/monstermq/broker/internal/client"
	"github.com/monstermq/broker/internal/handler"
	"github.com/monstermq/broker/internal/logger"
)

// Listener accepts connections on one transport and feeds them to Run.
type Listener struct {
	name     string
	ln       net.Listener
	handler  *handler.Handler
	registry *client.Registry
	log      *logger.Logger
	opts     client.Options

	maxConnections int
	active         atomic.Int32
	shuttingDown   atomic.Bool
}

// NewTCP binds addr for plain TCP MQTT connections (spec §6 TCP port).
func NewTCP(addr string, h *handler.Handler, reg *client.Registry, log *logger.Logger, opts client.Options, maxConnections int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{name: "tcp", ln: ln, handler: h, registry: reg, log: log, opts: opts, maxConnections: maxConnections}, nil
}

// NewTCPS binds addr for TLS-wrapped MQTT connections (spec §6 TCPS port).
func NewTCPS(addr string, tlsConf *tls.Config, h *handler.Handler, reg *client.Registry, log *logger.Logger, opts client.Options, maxConnections int) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsConf)
	if err != nil {
		return nil, err
	}
	return &Listener{name: "tcps", ln: ln, handler: h, registry: reg, log: log, opts: opts, maxConnections: maxConnections}, nil
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.shuttingDown.Load() {
				return nil
			}
			if l.log != nil {
				l.log.LogError(err, "accept "+l.name)
			}
			continue
		}

		if l.maxConnections > 0 && l.active.Load() >= int32(l.maxConnections) {
			conn.Close()
			continue
		}

		l.active.Add(1)
		go func() {
			defer l.active.Add(-1)
			client.Run(ctx, conn, l.handler, l.registry, l.log, l.opts)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.shuttingDown.Store(true)
	return l.ln.Close()
}

// ActiveConnections reports the current connection count for metrics.
func (l *Listener) ActiveConnections() int32 {
	return l.active.Load()
}

// WSServer serves MQTT-over-WebSocket (spec §6 WS/WSS ports) on the
// "mqtt" subprotocol (MQTT 3.1.1 part 6). Each upgraded connection is
// wrapped in wsConn, a net.Conn adapter framing MQTT packets as binary
// WebSocket messages, and handed to the same client.Run used by the TCP
// listener so the MQTT codec layer stays transport-agnostic.
type WSServer struct {
	handler  *handler.Handler
	registry *client.Registry
	log      *logger.Logger
	opts     client.Options
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewWS builds an HTTP server upgrading requests at path to WebSocket.
func NewWS(addr, path string, h *handler.Handler, reg *client.Registry, log *logger.Logger, opts client.Options) *WSServer {
	ws := &WSServer{
		handler:  h,
		registry: reg,
		log:      log,
		opts:     opts,
		upgrader: websocket.Upgrader{Subprotocols: []string{"mqtt"}, CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, ws.handleUpgrade)
	ws.srv = &http.Server{Addr: addr, Handler: mux}
	return ws
}

// NewWSS is NewWS with TLS termination (spec §6 WSS port).
func NewWSS(addr, path string, tlsConf *tls.Config, h *handler.Handler, reg *client.Registry, log *logger.Logger, opts client.Options) *WSServer {
	ws := NewWS(addr, path, h, reg, log, opts)
	ws.srv.TLSConfig = tlsConf
	return ws
}

func (ws *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if ws.log != nil {
			ws.log.LogError(err, "websocket upgrade")
		}
		return
	}
	client.Run(r.Context(), newWSConn(conn), ws.handler, ws.registry, ws.log, ws.opts)
}

// wsConn adapts a *websocket.Conn to net.Conn by framing each Read/Write
// as a binary WebSocket message. gorilla/websocket has no such adapter
// built in; grounded on the wsConn type in the haivivi-giztoy MQTT client.
type wsConn struct {
	ws      *websocket.Conn
	buf     []byte // unread remainder of the current WS message
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.buf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.buf = data
	}
	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)

// Serve starts the HTTP(S) server; it blocks until the server stops.
func (ws *WSServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ws.srv.Close()
	}()
	if ws.srv.TLSConfig != nil {
		return ws.srv.ListenAndServeTLS("", "")
	}
	return ws.srv.ListenAndServe()
}

// Close stops the HTTP(S) server.
func (ws *WSServer) Close() error {
	return ws.srv.Close()
}
