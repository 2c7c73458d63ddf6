package mtgox

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// TestCompleteHandler combines the handshake and websocket handlers
// found in this package into one complete fake feed handler.
func TestCompleteHandler(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.Contains(r.URL.Path, "/socket.io/1/websocket/"):
		TestFeed(w, r)
	case strings.Contains(r.URL.Path, "/socket.io/1"):
		TestHandshake(w, r)
	}
}

// TestHandshake provides a sample HTTP handshake handling function.
//
// If an error occurs while writing the response data, it will panic.
func TestHandshake(w http.ResponseWriter, r *http.Request) {
	_, err := w.Write([]byte("abc123:20:60:websocket"))
	if err != nil {
		panic(err)
	}
}

// TestFeed provides a sample websocket handling function. It accepts
// the upgrade, announces the endpoint, and then repeatedly streams a
// sample market data payload.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestFeed(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			_, _, rerr := c.ReadMessage()
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		werr := c.WriteMessage(websocket.TextMessage, []byte("1::"))
		if werr != nil {
			return
		}

		for {
			werr := c.WriteMessage(websocket.TextMessage,
				[]byte(`4::/mtgox:{"op":"private","private":"ticker"}`))
			if werr != nil {
				return
			}
		}
	}()
}
