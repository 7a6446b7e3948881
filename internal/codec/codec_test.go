package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/flashkv/lsmtree/internal/errs"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Record{
		{Key: []byte("a"), Value: []byte("b")},
		{Key: []byte("user:1001"), Value: []byte("alice"), Tombstone: false},
		{Key: []byte("user:1001"), Tombstone: true},
		{Key: bytes.Repeat([]byte("k"), 1024), Value: bytes.Repeat([]byte("v"), 2048)},
	}

	for _, tt := range tests {
		enc, err := tt.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		got, err := DecodeRecord(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if !bytes.Equal(got.Key, tt.Key) || got.Tombstone != tt.Tombstone {
			t.Fatalf("mismatch: got %+v want %+v", got, tt)
		}
		if !got.Tombstone && !bytes.Equal(got.Value, tt.Value) {
			t.Fatalf("value mismatch: got %v want %v", got.Value, tt.Value)
		}
	}
}

func TestRecordDecodeDetectsCorruption(t *testing.T) {
	enc, err := Record{Key: []byte("k"), Value: []byte("v")}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	corrupt := append([]byte(nil), enc...)
	corrupt[len(corrupt)-1] ^= 0xFF

	if _, err := DecodeRecord(corrupt); !errors.Is(err, errs.ErrCorruptFormat) {
		t.Fatalf("expected ErrCorruptFormat, got %v", err)
	}
}

func TestRecordRejectsOversizeKey(t *testing.T) {
	_, err := Record{Key: bytes.Repeat([]byte("k"), MaxKeySize+1), Value: []byte("v")}.Encode()
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRecordAcceptsKeyAtLimit(t *testing.T) {
	key := bytes.Repeat([]byte("k"), MaxKeySize)
	enc, err := Record{Key: key, Value: []byte("v")}.Encode()
	if err != nil {
		t.Fatalf("expected key at limit to be accepted: %v", err)
	}
	if _, err := DecodeRecord(enc); err != nil {
		t.Fatalf("expected decode of key at limit: %v", err)
	}
}

func TestWALPayloadRoundTrip(t *testing.T) {
	p := WALPayload{
		Timestamp: 1234567890,
		Sequence:  42,
		Record:    Record{Key: []byte("k"), Value: []byte("v")},
	}

	enc, err := p.EncodePayload()
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodePayload(enc)
	if err != nil {
		t.Fatal(err)
	}

	if got.Timestamp != p.Timestamp || got.Sequence != p.Sequence {
		t.Fatalf("mismatch: got %+v want %+v", got, p)
	}
	if !bytes.Equal(got.Record.Key, p.Record.Key) || !bytes.Equal(got.Record.Value, p.Record.Value) {
		t.Fatalf("record mismatch: got %+v want %+v", got.Record, p.Record)
	}
}

func TestWALPayloadBadCRCIsCorrupt(t *testing.T) {
	p := WALPayload{Record: Record{Key: []byte("k"), Value: []byte("v")}}
	enc, err := p.EncodePayload()
	if err != nil {
		t.Fatal(err)
	}

	enc[len(enc)-1] ^= 0xFF

	if _, err := DecodePayload(enc); !errors.Is(err, errs.ErrCorruptFormat) {
		t.Fatalf("expected ErrCorruptFormat, got %v", err)
	}
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxWALPayload+1))
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	payload := []byte("hello")
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatal(err)
	}

	if len(frame) != FrameHeaderSize+len(payload) {
		t.Fatalf("unexpected frame length %d", len(frame))
	}
	if !bytes.Equal(frame[FrameHeaderSize:], payload) {
		t.Fatal("expected payload to follow the 8-byte header")
	}
}
