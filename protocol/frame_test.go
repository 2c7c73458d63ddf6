package protocol

import (
	"encoding/binary"
	"strings"
	"testing"
)

func popFrame(t *testing.T, b *FrameBuffer) string {
	t.Helper()

	payload, ok, err := b.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete frame")
	}
	return payload
}

func expectEmpty(t *testing.T, b *FrameBuffer) {
	t.Helper()

	payload, ok, err := b.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no complete frame, got %q", payload)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := map[string]string{
		"empty":         "",
		"short":         "2::",
		"envelope":      `4:1:/mtgox:{"op":"private"}`,
		"boundary 125":  strings.Repeat("a", 125),
		"extended 126":  strings.Repeat("b", 126),
		"extended max":  strings.Repeat("c", 0xffff),
		"extended wide": strings.Repeat("d", 0x10000),
		"multibyte":     "тикер €",
	}

	for id, p := range payloads {
		var b FrameBuffer
		b.Append(EncodeText(p))

		if act := popFrame(t, &b); act != p {
			t.Errorf("%s: round trip mismatch (len %d vs %d)", id, len(p), len(act))
		}
		expectEmpty(t, &b)
	}
}

func TestFrameBufferPartial(t *testing.T) {
	frame := EncodeText(`4::/mtgox:{"op":"ticker"}`)

	var b FrameBuffer
	for i := 0; i < len(frame)-1; i++ {
		b.Append(frame[i : i+1])
		expectEmpty(t, &b)
	}

	b.Append(frame[len(frame)-1:])
	if act := popFrame(t, &b); act != `4::/mtgox:{"op":"ticker"}` {
		t.Errorf("unexpected payload: %q", act)
	}
}

func TestFrameBufferMultiple(t *testing.T) {
	payloads := []string{"1::", `4:1:/mtgox:{"op":"private"}`, "2::"}

	var batch []byte
	for _, p := range payloads {
		batch = append(batch, EncodeText(p)...)
	}

	var b FrameBuffer
	b.Append(batch)

	for i, p := range payloads {
		if act := popFrame(t, &b); act != p {
			t.Errorf("frame %d: exp %q, got %q", i, p, act)
		}
	}
	expectEmpty(t, &b)
}

// Server frames arrive unmasked; the decoder must accept them too.
func TestFrameBufferUnmasked(t *testing.T) {
	payload := `4::/mtgox:{"op":"private"}`

	frame := []byte{finBit | opText, byte(len(payload))}
	frame = append(frame, payload...)

	var b FrameBuffer
	b.Append(frame)

	if act := popFrame(t, &b); act != payload {
		t.Errorf("unexpected payload: %q", act)
	}
}

func TestFrameBufferOversized(t *testing.T) {
	frame := []byte{finBit | opText, 127, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint64(frame[2:], uint64(MaxFramePayload+1))

	var b FrameBuffer
	b.Append(frame)

	if _, _, err := b.Next(); err == nil {
		t.Error("expected an error for an oversized frame")
	}
}
