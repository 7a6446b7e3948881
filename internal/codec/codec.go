// Package codec implements the length-prefixed, checksummed wire formats
// for records, WAL payloads, and WAL frames. The bloom filter's wire
// format lives in package bloomfilter; no block index format exists.
// All integers are big-endian, matching the on-disk formats in spec §4.1.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/flashkv/lsmtree/internal/errs"
	"github.com/flashkv/lsmtree/internal/xbytes"
)

const (
	// RecordVersion is the only version this codec writes or accepts.
	RecordVersion = uint8(1)

	markerData      = uint8(0x01)
	markerTombstone = uint8(0x02)

	// MaxKeySize is the largest key accepted anywhere in the engine.
	MaxKeySize = 10 * 1024
	// MaxValueSize is the largest value accepted anywhere in the engine.
	MaxValueSize = 1 * 1024 * 1024

	// MaxWALPayload bounds a single WAL frame payload length.
	MaxWALPayload = 10 * 1024 * 1024
)

// Record is a single key-value entry: a live value or a tombstone.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Encode writes the record layout:
// [version:u8][marker:u8][keyLen:u32][key][valLen:u32][value][crc32:u32]
func (r Record) Encode() ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds %d", errs.ErrInvalidArgument, len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds %d", errs.ErrInvalidArgument, len(r.Value), MaxValueSize)
	}

	marker := markerData
	if r.Tombstone {
		marker = markerTombstone
	}

	buf := make([]byte, 0, 2+4+len(r.Key)+4+len(r.Value)+4)
	buf = append(buf, RecordVersion, marker)
	buf = appendU32(buf, uint32(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = appendU32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)

	crc := xbytes.CRC32(buf)
	buf = appendU32(buf, crc)

	return buf, nil
}

// DecodeRecord parses the record layout written by Encode, validating the
// checksum and all lengths.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < 2+4+4+4 {
		return Record{}, fmt.Errorf("%w: record too short", errs.ErrCorruptFormat)
	}

	version := b[0]
	if version != RecordVersion {
		return Record{}, fmt.Errorf("%w: unsupported record version %d", errs.ErrCorruptFormat, version)
	}

	marker := b[1]
	if marker != markerData && marker != markerTombstone {
		return Record{}, fmt.Errorf("%w: unknown marker %d", errs.ErrCorruptFormat, marker)
	}

	pos := 2
	keyLen, err := readU32(b, pos)
	if err != nil {
		return Record{}, err
	}
	pos += 4

	if keyLen > MaxKeySize || pos+int(keyLen) > len(b) {
		return Record{}, fmt.Errorf("%w: key length %d out of range", errs.ErrCorruptFormat, keyLen)
	}
	key := b[pos : pos+int(keyLen)]
	pos += int(keyLen)

	valLen, err := readU32(b, pos)
	if err != nil {
		return Record{}, err
	}
	pos += 4

	if valLen > MaxValueSize || pos+int(valLen) > len(b) {
		return Record{}, fmt.Errorf("%w: value length %d out of range", errs.ErrCorruptFormat, valLen)
	}
	value := b[pos : pos+int(valLen)]
	pos += int(valLen)

	storedCRC, err := readU32(b, pos)
	if err != nil {
		return Record{}, err
	}
	pos += 4

	if pos != len(b) {
		return Record{}, fmt.Errorf("%w: trailing bytes after record", errs.ErrCorruptFormat)
	}

	if xbytes.CRC32(b[:pos-4]) != storedCRC {
		return Record{}, fmt.Errorf("%w: record checksum mismatch", errs.ErrCorruptFormat)
	}

	return Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Tombstone: marker == markerTombstone,
	}, nil
}

// WALPayload is the WAL record payload: a Record plus timestamp/sequence.
type WALPayload struct {
	Timestamp uint64
	Sequence  uint64
	Record    Record
}

// EncodePayload writes [timestamp:u64][sequence:u64] followed by the
// record's [marker][keyLen][key][valLen][value], closing with a CRC32 over
// the whole payload (no version byte — the outer frame carries length and
// checksum framing instead).
func (p WALPayload) EncodePayload() ([]byte, error) {
	if len(p.Record.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds %d", errs.ErrInvalidArgument, len(p.Record.Key), MaxKeySize)
	}
	if len(p.Record.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds %d", errs.ErrInvalidArgument, len(p.Record.Value), MaxValueSize)
	}

	marker := markerData
	if p.Record.Tombstone {
		marker = markerTombstone
	}

	buf := make([]byte, 0, 8+8+1+4+len(p.Record.Key)+4+len(p.Record.Value)+4)
	buf = appendU64(buf, p.Timestamp)
	buf = appendU64(buf, p.Sequence)
	buf = append(buf, marker)
	buf = appendU32(buf, uint32(len(p.Record.Key)))
	buf = append(buf, p.Record.Key...)
	buf = appendU32(buf, uint32(len(p.Record.Value)))
	buf = append(buf, p.Record.Value...)

	crc := xbytes.CRC32(buf)
	buf = appendU32(buf, crc)

	return buf, nil
}

// DecodePayload parses a WAL payload previously produced by EncodePayload,
// validating the inner checksum independently of the outer frame checksum
// (the spec calls this duplication useful after relocation).
func DecodePayload(b []byte) (WALPayload, error) {
	if len(b) < 8+8+1+4+4+4 {
		return WALPayload{}, fmt.Errorf("%w: wal payload too short", errs.ErrCorruptFormat)
	}

	storedCRC, err := readU32(b, len(b)-4)
	if err != nil {
		return WALPayload{}, err
	}
	if xbytes.CRC32(b[:len(b)-4]) != storedCRC {
		return WALPayload{}, fmt.Errorf("%w: wal payload checksum mismatch", errs.ErrCorruptFormat)
	}

	ts := binary.BigEndian.Uint64(b[0:8])
	seq := binary.BigEndian.Uint64(b[8:16])

	pos := 16
	marker := b[pos]
	if marker != markerData && marker != markerTombstone {
		return WALPayload{}, fmt.Errorf("%w: unknown marker %d", errs.ErrCorruptFormat, marker)
	}
	pos++

	keyLen, err := readU32(b, pos)
	if err != nil {
		return WALPayload{}, err
	}
	pos += 4
	if keyLen > MaxKeySize || pos+int(keyLen) > len(b) {
		return WALPayload{}, fmt.Errorf("%w: key length %d out of range", errs.ErrCorruptFormat, keyLen)
	}
	key := append([]byte(nil), b[pos:pos+int(keyLen)]...)
	pos += int(keyLen)

	valLen, err := readU32(b, pos)
	if err != nil {
		return WALPayload{}, err
	}
	pos += 4
	if valLen > MaxValueSize || pos+int(valLen) > len(b)-4 {
		return WALPayload{}, fmt.Errorf("%w: value length %d out of range", errs.ErrCorruptFormat, valLen)
	}
	value := append([]byte(nil), b[pos:pos+int(valLen)]...)
	pos += int(valLen)

	if pos != len(b)-4 {
		return WALPayload{}, fmt.Errorf("%w: trailing bytes in wal payload", errs.ErrCorruptFormat)
	}

	return WALPayload{
		Timestamp: ts,
		Sequence:  seq,
		Record: Record{
			Key:       key,
			Value:     value,
			Tombstone: marker == markerTombstone,
		},
	}, nil
}

// FrameHeaderSize is the size of the outer WAL frame header:
// [crc32:u32][len:u32].
const FrameHeaderSize = 8

// EncodeFrame frames a WAL payload on disk as [crc32:u32][len:u32][payload],
// with the outer CRC32 computed over payload only.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxWALPayload {
		return nil, fmt.Errorf("%w: wal payload length %d exceeds %d", errs.ErrInvalidArgument, len(payload), MaxWALPayload)
	}

	buf := make([]byte, 0, FrameHeaderSize+len(payload))
	buf = appendU32(buf, xbytes.CRC32(payload))
	buf = appendU32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func readU32(b []byte, pos int) (uint32, error) {
	if pos+4 > len(b) {
		return 0, fmt.Errorf("%w: truncated length field", errs.ErrCorruptFormat)
	}
	return binary.BigEndian.Uint32(b[pos : pos+4]), nil
}
