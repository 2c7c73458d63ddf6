package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net/http"

	"github.com/pkg/errors"
)

// websocketGUID is the magic value appended to the challenge key when
// computing the expected Sec-WebSocket-Accept header, per RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxResponseSize bounds how many bytes the response parser will
// buffer before giving up on finding the end of the headers.
const maxResponseSize = 16 * 1024

var responseTerminator = []byte("\r\n\r\n")

// ClientHandshake builds the client side of a WebSocket upgrade: it
// produces the upgrade request for a path and incrementally parses
// the server's response as bytes arrive on the raw connection.
type ClientHandshake struct {
	// The value used in the Host header of the upgrade request.
	Host string

	// The request path, e.g. /socket.io/1/websocket/<sid>.
	Path string

	key  string
	buf  []byte
	done bool
}

// NewClientHandshake prepares an upgrade handshake for the given host
// and path, generating a fresh challenge key.
func NewClientHandshake(host, path string) (*ClientHandshake, error) {
	key, err := challengeKey()
	if err != nil {
		return nil, errors.Wrap(err, "challenge key generation failed")
	}

	return &ClientHandshake{Host: host, Path: path, key: key}, nil
}

// Request returns the upgrade request bytes to be written to the
// transport before any frame traffic.
func (h *ClientHandshake) Request() []byte {
	var b bytes.Buffer
	b.WriteString("GET " + h.Path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + h.Host + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + h.key + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// Parse consumes response bytes as they arrive. Once the full
// response has been seen it validates the status line and the accept
// key, reports done == true, and returns any bytes that followed the
// response headers; those are the first frame bytes and belong to the
// frame buffer. Calling Parse after completion passes p through
// untouched.
func (h *ClientHandshake) Parse(p []byte) (rest []byte, done bool, err error) {
	if h.done {
		return p, true, nil
	}

	h.buf = append(h.buf, p...)

	i := bytes.Index(h.buf, responseTerminator)
	if i < 0 {
		if len(h.buf) > maxResponseSize {
			return nil, false, errors.New("oversized handshake response")
		}
		return nil, false, nil
	}

	head := h.buf[:i+len(responseTerminator)]
	rest = h.buf[i+len(responseTerminator):]
	h.buf = nil

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "malformed handshake response")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, false, errors.Errorf("unexpected handshake status: %s", resp.Status)
	}

	if resp.Header.Get("Sec-WebSocket-Accept") != acceptKey(h.key) {
		return nil, false, errors.New("handshake accept key mismatch")
	}

	h.done = true
	return rest, true, nil
}

func challengeKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
