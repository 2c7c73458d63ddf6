/*
Package mtgox provides a client for the MtGox streaming market data
feed, which is served over the Socket.IO version 1 wire protocol on
top of a WebSocket transport.

At a high level, a connection goes through the following steps:

  - handshake: POST to the /socket.io/1 path to obtain a session ID
    and the heartbeat interval the server expects
  - upgrade: open a raw connection and perform the WebSocket
    handshake on the session-specific path
  - stream: decode frames, unwrap the Socket.IO envelopes, and hand
    each JSON payload on the /mtgox endpoint to the caller

The client decodes envelope-level framing only; the JSON payloads are
delivered as-is and interpreting them is up to the caller, as is any
reconnect policy. When a connection ends, exactly one of the error or
disconnect handlers fires and the client stops.

See the provided examples for how to use this library.
*/
package mtgox
