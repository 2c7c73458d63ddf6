package mtgox

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/gray/mtgox/protocol"
	"github.com/pkg/errors"
)

// DefaultHost is the public MtGox streaming host.
const DefaultHost = "socketio.mtgox.com"

// Endpoint is the Socket.IO endpoint that carries the market data
// stream. It is the only endpoint this client multiplexes.
const Endpoint = "/mtgox"

// handshakePath is the relative path of the HTTP handshake.
const handshakePath = "/socket.io/1"

// heartbeatMargin is subtracted from the negotiated heartbeat
// interval so that heartbeats go out slightly before the server's
// deadline; network jitter otherwise causes false disconnects.
const heartbeatMargin = 2 * time.Second

// Session holds the parameters negotiated by the HTTP handshake. It
// is immutable once established and dropped when the connection
// closes.
type Session struct {
	// The session ID used in the websocket upgrade path.
	ID string

	// Seconds between required heartbeats. Zero means the server
	// drives heartbeats and the client only echoes them.
	HeartbeatInterval int
}

// Client represents an MtGox streaming client. It holds the
// configuration used to establish connections; each call to Connect
// produces an independent connection.
type Client struct {
	// The host providing the streaming service.
	Host string

	// Selects TLS for both the HTTP handshake and the websocket
	// connection.
	Secure bool

	// The HTTPClient used to perform the HTTP handshake.
	HTTPClient *http.Client

	// An optional setting to provide a non-default TLS
	// configuration to use when connecting to the websocket.
	TLSClientConfig *tls.Config

	// The time limit for establishing the raw connection.
	DialTimeout time.Duration

	// HandleMessage is invoked with each decoded JSON payload
	// received on the market data endpoint. Invocations are
	// sequential for one connection. A nil handler discards
	// messages.
	HandleMessage func(v interface{})

	// HandleError is invoked at most once per connection with the
	// error that terminated it. A nil handler discards the error.
	HandleError func(err error)

	// HandleDisconnect is invoked at most once per connection when
	// the server or the transport signals an orderly disconnect. A
	// nil handler discards the event.
	HandleDisconnect func()
}

// Conn is one live connection to the streaming feed. Releasing it
// with Close tears down the transport and the heartbeat timer exactly
// once; no handler fires after Close returns the first time.
type Conn struct {
	client  *Client
	session Session

	conn     net.Conn
	writeMux sync.Mutex

	frames   protocol.FrameBuffer
	reactive bool

	closeOnce sync.Once
	closed    chan struct{}
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v != ""
}

func debugMessage(msg string, v ...interface{}) {
	if debugEnabled() {
		log.Printf(msg, v...)
	}
}

func (c *Client) scheme() string {
	if c.Secure {
		return "https"
	}
	return "http"
}

// hostPort returns the host with an explicit port, defaulting to the
// standard port for the selected scheme.
func (c *Client) hostPort() string {
	if strings.Contains(c.Host, ":") {
		return c.Host
	}
	if c.Secure {
		return c.Host + ":443"
	}
	return c.Host + ":80"
}

// hostOnly strips any port from the host.
func (c *Client) hostOnly() string {
	host, _, err := net.SplitHostPort(c.Host)
	if err != nil {
		return c.Host
	}
	return host
}

func parseSession(body string) (Session, error) {
	parts := strings.SplitN(body, ":", 4)
	if parts[0] == "" {
		return Session{}, errors.Errorf("malformed handshake body: %q", body)
	}

	s := Session{ID: parts[0]}
	if len(parts) > 1 && parts[1] != "" {
		hb, err := strconv.Atoi(parts[1])
		if err != nil {
			return Session{}, errors.Wrapf(err, "malformed heartbeat interval in %q", body)
		}
		s.HeartbeatInterval = hb
	}

	return s, nil
}

// Handshake performs the HTTP handshake, producing the session used
// by the websocket connection. A non-200 status or an empty body is a
// fatal handshake failure; no connection is attempted.
func (c *Client) Handshake() (Session, error) {
	u := c.scheme() + "://" + c.Host + handshakePath

	req, err := http.NewRequest("POST", u, nil)
	if err != nil {
		return Session{}, errors.Wrap(err, "request preparation failed")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Session{}, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return Session{}, errors.Errorf("handshake failed: %s", resp.Status)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return Session{}, errors.Wrap(err, "read failed")
	}
	if len(body) == 0 {
		return Session{}, errors.New("handshake failed: empty response body")
	}

	return parseSession(string(body))
}

// dial opens the raw connection, wrapped in TLS when Secure is set.
func (c *Client) dial() (net.Conn, error) {
	d := &net.Dialer{Timeout: c.DialTimeout}

	conn, err := d.Dial("tcp", c.hostPort())
	if err != nil {
		return nil, errors.Wrap(err, "dial failed")
	}

	if !c.Secure {
		return conn, nil
	}

	cfg := c.TLSClientConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = c.hostOnly()
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "tls handshake failed")
	}

	return tlsConn, nil
}

// upgrade performs the websocket handshake for the session over conn
// and returns any frame bytes that arrived in the same reads as the
// handshake response.
func (c *Client) upgrade(conn net.Conn, session Session) ([]byte, error) {
	hs, err := protocol.NewClientHandshake(c.Host, handshakePath+"/websocket/"+session.ID)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(hs.Request()); err != nil {
		return nil, errors.Wrap(err, "handshake write failed")
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, errors.Wrap(err, "handshake read failed")
		}

		rest, done, err := hs.Parse(buf[:n])
		if err != nil {
			return nil, errors.Wrap(err, "websocket handshake failed")
		}
		if done {
			return rest, nil
		}
	}
}

// Connect performs the full connection sequence: the HTTP handshake,
// the raw dial, and the websocket upgrade. On success it starts the
// read loop and, if an interval was negotiated, the heartbeat timer,
// and returns the connection handle. Callers that discard the handle
// rely on the handlers for eventual teardown.
func (c *Client) Connect() (*Conn, error) {
	session, err := c.Handshake()
	if err != nil {
		return nil, errors.Wrap(err, "handshake failed")
	}

	conn, err := c.dial()
	if err != nil {
		return nil, errors.Wrap(err, "connect failed")
	}

	rest, err := c.upgrade(conn, session)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "connect failed")
	}

	wc := &Conn{
		client:   c,
		session:  session,
		conn:     conn,
		reactive: session.HeartbeatInterval == 0,
		closed:   make(chan struct{}),
	}
	wc.frames.Append(rest)

	if !wc.reactive {
		go wc.heartbeatLoop(heartbeatPeriod(session.HeartbeatInterval))
	}
	go wc.readLoop()

	return wc, nil
}

// New creates an MtGox streaming client for the given host with
// default settings. The default HTTP client transparently solves
// CloudFlare challenges, which fronted the production feed.
func New(host string) *Client {
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}

	return &Client{
		Host:        host,
		HTTPClient:  httpClient,
		DialTimeout: 30 * time.Second,
	}
}

// Session returns the session negotiated for this connection.
func (wc *Conn) Session() Session {
	return wc.session
}

// Send writes one text frame carrying payload to the connection. The
// feed accepts protocol-level control payloads only; it has no
// request or subscription surface.
func (wc *Conn) Send(payload string) error {
	wc.writeMux.Lock()
	defer wc.writeMux.Unlock()

	if _, err := wc.conn.Write(protocol.EncodeText(payload)); err != nil {
		return errors.Wrap(err, "write failed")
	}

	return nil
}

// Close releases the connection: the heartbeat timer is cancelled and
// the transport is destroyed. It is safe to call from any teardown
// path and any number of times; only the first call has an effect,
// and no handler fires afterwards.
func (wc *Conn) Close() error {
	wc.teardown(evClose, nil)
	return nil
}

// Terminal events. Exactly one wins per connection.
type event int

const (
	evClose event = iota
	evError
	evDisconnect
)

func (wc *Conn) teardown(ev event, err error) {
	wc.closeOnce.Do(func() {
		close(wc.closed)
		wc.conn.Close()

		switch ev {
		case evError:
			if wc.client.HandleError != nil {
				wc.client.HandleError(err)
			}
		case evDisconnect:
			if wc.client.HandleDisconnect != nil {
				wc.client.HandleDisconnect()
			}
		}
	})
}

// fatal classifies a transport error and tears the connection down:
// peer-closed conditions surface as a disconnect, everything else as
// an error.
func (wc *Conn) fatal(err error) {
	if isDisconnect(err) {
		wc.teardown(evDisconnect, nil)
	} else {
		wc.teardown(evError, err)
	}
}

// isDisconnect reports whether err indicates that the peer closed the
// connection, as opposed to a genuine transport failure.
func isDisconnect(err error) bool {
	if err == io.EOF {
		return true
	}

	if oe, ok := err.(*net.OpError); ok {
		if se, ok := oe.Err.(*os.SyscallError); ok {
			return se.Err == syscall.EPIPE || se.Err == syscall.ECONNRESET
		}
	}

	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset by peer")
}

func heartbeatPeriod(seconds int) time.Duration {
	period := time.Duration(seconds)*time.Second - heartbeatMargin
	if period < time.Second {
		period = time.Second
	}
	return period
}

func (wc *Conn) heartbeatLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wc.Send(protocol.HeartbeatPayload); err != nil {
				wc.fatal(errors.Wrap(err, "heartbeat failed"))
				return
			}
		case <-wc.closed:
			return
		}
	}
}

func (wc *Conn) readLoop() {
	// Frame bytes may have arrived in the same read as the
	// handshake response.
	if !wc.drain() {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := wc.conn.Read(buf)
		if n > 0 {
			wc.frames.Append(buf[:n])
			if !wc.drain() {
				return
			}
		}
		if err != nil {
			select {
			case <-wc.closed:
				// Released by the caller; not an event.
			default:
				wc.fatal(err)
			}
			return
		}
	}
}

// drain dispatches every complete frame in the buffer, in arrival
// order. It reports false when a terminal dispatch preempted the rest
// of the batch.
func (wc *Conn) drain() bool {
	for {
		payload, ok, err := wc.frames.Next()
		if err != nil {
			wc.teardown(evError, errors.Wrap(err, "frame decode failed"))
			return false
		}
		if !ok {
			return true
		}
		if !wc.dispatch(payload) {
			return false
		}
	}
}

// dispatch routes one frame payload. It reports false for terminal
// dispatches, which halt the current batch.
func (wc *Conn) dispatch(payload string) bool {
	// The bare endpoint-connect notice is acknowledged by
	// connecting to the market data endpoint.
	if payload == "1::" {
		if err := wc.Send("1::" + Endpoint); err != nil {
			wc.fatal(err)
			return false
		}
		return true
	}

	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		debugMessage("mtgox: dropping malformed payload: %v", err)
		return true
	}

	switch msg.Type {
	case protocol.JSON:
		if msg.Endpoint != Endpoint {
			return true
		}

		var v interface{}
		if err := json.Unmarshal([]byte(msg.Data), &v); err != nil {
			debugMessage("mtgox: dropping undecodable message: %v", err)
			return true
		}

		if wc.client.HandleMessage != nil {
			wc.client.HandleMessage(v)
		}
	case protocol.Heartbeat:
		// A server-driven heartbeat is echoed immediately, but
		// only when no timer was negotiated; otherwise the
		// timer is the sole heartbeat source.
		if wc.reactive {
			if err := wc.Send(protocol.HeartbeatPayload); err != nil {
				wc.fatal(err)
				return false
			}
		}
	case protocol.Disconnect:
		wc.teardown(evDisconnect, nil)
		return false
	case protocol.Error:
		wc.teardown(evError, errors.New(msg.Data))
		return false
	}

	return true
}
