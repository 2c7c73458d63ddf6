package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxFramePayload is the largest frame payload this client will
// accept. Frames beyond it terminate the connection rather than
// exhaust memory.
const MaxFramePayload = 1 << 20

const (
	finBit  = 0x80
	maskBit = 0x80

	opText = 0x1
)

// FrameBuffer accumulates raw inbound bytes and incrementally yields
// complete WebSocket frame payloads. It never yields a partial frame
// and preserves arrival order; a malformed frame is a terminal error
// for the connection it serves.
type FrameBuffer struct {
	buf []byte
}

// Append adds newly received bytes to the buffer.
func (b *FrameBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Next pops the next fully-buffered frame payload. It reports ok ==
// false when no complete frame is buffered yet, and is intended to be
// called in a loop to drain every frame that arrived in one read.
func (b *FrameBuffer) Next() (payload string, ok bool, err error) {
	p, n, err := decodeFrame(b.buf)
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}

	b.buf = b.buf[n:]
	return p, true, nil
}

// decodeFrame parses one frame from raw, returning its payload and
// the number of bytes consumed. A zero count means the frame is not
// yet complete.
func decodeFrame(raw []byte) (string, int, error) {
	if len(raw) < 2 {
		return "", 0, nil
	}

	masked := raw[1]&maskBit != 0
	length := int64(raw[1] & 0x7f)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return "", 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return "", 0, nil
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
	}

	if length < 0 || length > MaxFramePayload {
		return "", 0, errors.Errorf("frame payload length %d exceeds limit", length)
	}

	var key [4]byte
	if masked {
		if len(raw) < offset+4 {
			return "", 0, nil
		}
		copy(key[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return "", 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}

	return string(payload), total, nil
}

// EncodeText produces the wire bytes for one complete masked text
// frame carrying payload, suitable for a direct write to the
// transport. Clients are required to mask every frame they send.
func EncodeText(payload string) []byte {
	plen := len(payload)

	var header []byte
	switch {
	case plen <= 125:
		header = []byte{finBit | opText, maskBit | byte(plen)}
	case plen <= 0xffff:
		header = []byte{finBit | opText, maskBit | 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = []byte{finBit | opText, maskBit | 127, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}

	var key [4]byte
	_, _ = rand.Read(key[:])

	frame := make([]byte, 0, len(header)+4+plen)
	frame = append(frame, header...)
	frame = append(frame, key[:]...)

	start := len(frame)
	frame = append(frame, payload...)
	for i := start; i < len(frame); i++ {
		frame[i] ^= key[(i-start)%4]
	}

	return frame
}
