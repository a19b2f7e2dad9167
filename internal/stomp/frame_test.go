package stomp

import (
	"bytes"
	"errors"
	"testing"
)

// TestFrameRoundTrip verifies Marshal/Unmarshal symmetry for a typical frame.
func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(CmdSend, []byte(`{"chat_id":"c1"}`)).
		With(HdrDestination, "/app/typing").
		With(HdrContentType, "application/json")

	got, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Command != CmdSend {
		t.Fatalf("command = %q", got.Command)
	}
	if got.Headers[HdrDestination] != "/app/typing" {
		t.Fatalf("destination = %q", got.Headers[HdrDestination])
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("body = %q", got.Body)
	}
}

// TestFrameHeaderEscaping verifies the STOMP 1.2 escape sequences survive a
// round trip in both keys and values.
func TestFrameHeaderEscaping(t *testing.T) {
	f := NewFrame(CmdMessage, nil).
		With("weird:key", "line1\nline2").
		With("back\\slash", "a:b\rc")

	got, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Headers["weird:key"] != "line1\nline2" {
		t.Fatalf("value = %q", got.Headers["weird:key"])
	}
	if got.Headers["back\\slash"] != "a:b\rc" {
		t.Fatalf("value = %q", got.Headers["back\\slash"])
	}
}

// TestFrameRepeatedHeader verifies that the first occurrence of a repeated
// header wins, as STOMP 1.2 requires.
func TestFrameRepeatedHeader(t *testing.T) {
	raw := []byte("MESSAGE\ndestination:/topic/a\ndestination:/topic/b\n\nbody\x00")
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Headers[HdrDestination] != "/topic/a" {
		t.Fatalf("destination = %q, want first occurrence", got.Headers[HdrDestination])
	}
}

// TestFrameMalformed verifies rejection of frames missing required structure.
func TestFrameMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("SEND\n\nbody"),                // no NUL
		[]byte("SEND\ndest:/a\x00"),           // no header/body separator
		[]byte("SEND\nbroken-header\n\n\x00"), // header without colon
		[]byte("SEND\nk:bad\\escape\n\n\x00"), // unknown escape
	}
	for i, raw := range cases {
		if _, err := Unmarshal(raw); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("case %d: err = %v, want ErrMalformedFrame", i, err)
		}
	}
}

// TestFrameCRLF verifies that frames using \r\n line endings parse.
func TestFrameCRLF(t *testing.T) {
	raw := []byte("CONNECTED\r\nversion:1.2\r\n\nbody\x00")
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Command != CmdConnected || got.Headers[HdrVersion] != "1.2" {
		t.Fatalf("got %q %v", got.Command, got.Headers)
	}
}

// TestFrameEmptyBody verifies a bodiless frame round-trips.
func TestFrameEmptyBody(t *testing.T) {
	f := NewFrame(CmdDisconnect, nil)
	got, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Command != CmdDisconnect || len(got.Body) != 0 {
		t.Fatalf("got %q body=%q", got.Command, got.Body)
	}
}
