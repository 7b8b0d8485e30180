package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/stonedb/stonekv"
)

// Key tags, exactly as tabulated in spec §4.6. Record sorts after every
// txn/metadata key because 0xFF is the largest tag byte, and within a user
// key the trailing version suffix orders versions ascending.
const (
	tagTxnNext     byte = 0x01
	tagTxnActive   byte = 0x02
	tagTxnSnapshot byte = 0x03
	tagTxnUpdate   byte = 0x04
	tagMetadata    byte = 0x05
	tagRecord      byte = 0xFF
)

// key is the decoded form of any of the six tagged key variants. Which
// fields are meaningful depends on Tag.
type key struct {
	Tag     byte
	ID      uint64 // TxnActive, TxnUpdate
	Version uint64 // TxnSnapshot, Record
	Key     []byte // TxnUpdate, Metadata, Record
}

func encodeTxnNext() []byte {
	return []byte{tagTxnNext}
}

func encodeTxnActive(id uint64) []byte {
	b := make([]byte, 9)
	b[0] = tagTxnActive
	binary.BigEndian.PutUint64(b[1:], id)
	return b
}

func encodeTxnSnapshot(version uint64) []byte {
	b := make([]byte, 9)
	b[0] = tagTxnSnapshot
	binary.BigEndian.PutUint64(b[1:], version)
	return b
}

func encodeTxnUpdate(id uint64, userKey []byte) []byte {
	b := make([]byte, 9+len(userKey))
	b[0] = tagTxnUpdate
	binary.BigEndian.PutUint64(b[1:9], id)
	copy(b[9:], userKey)
	return b
}

func encodeMetadata(userKey []byte) []byte {
	b := make([]byte, 1+len(userKey))
	b[0] = tagMetadata
	copy(b[1:], userKey)
	return b
}

func encodeRecord(userKey []byte, version uint64) []byte {
	b := make([]byte, 1+len(userKey)+8)
	b[0] = tagRecord
	copy(b[1:], userKey)
	binary.BigEndian.PutUint64(b[1+len(userKey):], version)
	return b
}

// decodeKey is the inverse of the encode* helpers. It returns ErrInvalid for
// an unrecognized tag, a truncated key, or trailing garbage.
func decodeKey(b []byte) (key, error) {
	if len(b) == 0 {
		return key{}, fmt.Errorf("mvcc: empty key: %w", stonekv.ErrInvalid)
	}
	tag := b[0]
	rest := b[1:]
	switch tag {
	case tagTxnNext:
		if len(rest) != 0 {
			return key{}, fmt.Errorf("mvcc: trailing bytes in TxnNext key: %w", stonekv.ErrInvalid)
		}
		return key{Tag: tag}, nil

	case tagTxnActive:
		if len(rest) != 8 {
			return key{}, fmt.Errorf("mvcc: malformed TxnActive key: %w", stonekv.ErrInvalid)
		}
		return key{Tag: tag, ID: binary.BigEndian.Uint64(rest)}, nil

	case tagTxnSnapshot:
		if len(rest) != 8 {
			return key{}, fmt.Errorf("mvcc: malformed TxnSnapshot key: %w", stonekv.ErrInvalid)
		}
		return key{Tag: tag, Version: binary.BigEndian.Uint64(rest)}, nil

	case tagTxnUpdate:
		if len(rest) < 8 {
			return key{}, fmt.Errorf("mvcc: malformed TxnUpdate key: %w", stonekv.ErrInvalid)
		}
		id := binary.BigEndian.Uint64(rest[:8])
		uk := append([]byte(nil), rest[8:]...)
		return key{Tag: tag, ID: id, Key: uk}, nil

	case tagMetadata:
		uk := append([]byte(nil), rest...)
		return key{Tag: tag, Key: uk}, nil

	case tagRecord:
		if len(rest) < 8 {
			return key{}, fmt.Errorf("mvcc: malformed Record key: %w", stonekv.ErrInvalid)
		}
		n := len(rest) - 8
		uk := append([]byte(nil), rest[:n]...)
		version := binary.BigEndian.Uint64(rest[n:])
		return key{Tag: tag, Key: uk, Version: version}, nil

	default:
		return key{}, fmt.Errorf("mvcc: unrecognized key tag 0x%02x: %w", tag, stonekv.ErrInvalid)
	}
}
