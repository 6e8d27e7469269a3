package bridge

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
)

// frame builds one multiplexed frame with the given stream type and payload.
func frame(kind byte, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[4:headerLen], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

func collectStdout(t *testing.T, chunks [][]byte) []byte {
	t.Helper()
	var out bytes.Buffer
	dec := NewDecoder(func(p []byte) { out.Write(p) })
	for _, c := range chunks {
		if err := dec.Feed(c); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	return out.Bytes()
}

func TestDecoder_SingleFrame(t *testing.T) {
	got := collectStdout(t, [][]byte{frame(streamStdout, []byte("hello world"))})
	if string(got) != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestDecoder_StderrSuppressed(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(streamStdout, []byte("out1"))...)
	stream = append(stream, frame(streamStderr, []byte("diagnostic noise"))...)
	stream = append(stream, frame(streamStdout, []byte("out2"))...)

	got := collectStdout(t, [][]byte{stream})
	if string(got) != "out1out2" {
		t.Errorf("expected stderr to be dropped, got %q", got)
	}
}

func TestDecoder_EmptyPayloadFrame(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(streamStdout, nil)...)
	stream = append(stream, frame(streamStdout, []byte("after"))...)

	got := collectStdout(t, [][]byte{stream})
	if string(got) != "after" {
		t.Errorf("expected %q, got %q", "after", got)
	}
}

// Splitting the byte stream at arbitrary boundaries must decode to the same
// stdout sequence as feeding it whole.
func TestDecoder_ArbitrarySplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	var stream []byte
	var want []byte
	for i := 0; i < 50; i++ {
		payload := make([]byte, rng.Intn(300))
		rng.Read(payload)
		kind := byte(streamStdout)
		if i%3 == 2 {
			kind = streamStderr
		} else {
			want = append(want, payload...)
		}
		stream = append(stream, frame(kind, payload)...)
	}

	whole := collectStdout(t, [][]byte{stream})
	if !bytes.Equal(whole, want) {
		t.Fatalf("whole-stream decode mismatch: got %d bytes, want %d", len(whole), len(want))
	}

	for trial := 0; trial < 20; trial++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(17)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := collectStdout(t, chunks)
		if !bytes.Equal(got, want) {
			t.Fatalf("trial %d: split decode mismatch: got %d bytes, want %d", trial, len(got), len(want))
		}
	}
}

func TestDecoder_HeaderSplitAcrossReads(t *testing.T) {
	f := frame(streamStdout, []byte("abcdef"))
	got := collectStdout(t, [][]byte{f[:3], f[3:9], f[9:]})
	if string(got) != "abcdef" {
		t.Errorf("expected %q, got %q", "abcdef", got)
	}
}

func TestDecoder_PartialFrameStaysBuffered(t *testing.T) {
	dec := NewDecoder(func(p []byte) { t.Errorf("unexpected payload %q", p) })
	f := frame(streamStdout, []byte("pending"))
	if err := dec.Feed(f[:len(f)-1]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if dec.Buffered() != len(f)-1 {
		t.Errorf("expected %d bytes buffered, got %d", len(f)-1, dec.Buffered())
	}
}

func TestDecoder_UnknownStreamType(t *testing.T) {
	dec := NewDecoder(func(p []byte) {})
	err := dec.Feed(frame(9, []byte("x")))
	if err == nil {
		t.Fatal("expected error for unknown stream type")
	}
}

func TestDecoder_OversizedFrameRejected(t *testing.T) {
	hdr := make([]byte, headerLen)
	hdr[0] = streamStdout
	binary.BigEndian.PutUint32(hdr[4:], maxFramePayload+1)

	dec := NewDecoder(func(p []byte) {})
	if err := dec.Feed(hdr); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestCopyOutput_CleanEOF(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(streamStdout, []byte("one"))...)
	stream = append(stream, frame(streamStdout, []byte("two"))...)

	var out bytes.Buffer
	err := CopyOutput(bytes.NewReader(stream), func(p []byte) { out.Write(p) })
	if err != nil {
		t.Fatalf("CopyOutput: %v", err)
	}
	if out.String() != "onetwo" {
		t.Errorf("expected %q, got %q", "onetwo", out.String())
	}
}

func TestCopyOutput_ReadError(t *testing.T) {
	r := io.MultiReader(bytes.NewReader(frame(streamStdout, []byte("x"))), errReader{})
	err := CopyOutput(r, func(p []byte) {})
	if err == nil {
		t.Fatal("expected read error to propagate")
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, io.ErrUnexpectedEOF }
