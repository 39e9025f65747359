package model

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// Bkey identifies an object by (bucket, key). Both halves are opaque
// byte strings; the pair is what hashes onto the ring.
type Bkey struct {
	Bucket []byte
	Key    []byte
}

// NewBkey builds a Bkey from string bucket and key.
func NewBkey(bucket, key string) Bkey {
	return Bkey{Bucket: []byte(bucket), Key: []byte(key)}
}

// Encode returns the storage representation of the Bkey: a
// length-prefixed concatenation of bucket and key.
func (b Bkey) Encode() []byte {
	out := make([]byte, 4+len(b.Bucket)+4+len(b.Key))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(b.Bucket)))
	copy(out[4:], b.Bucket)
	off := 4 + len(b.Bucket)
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(b.Key)))
	copy(out[off+4:], b.Key)
	return out
}

// DecodeBkey parses the storage representation produced by Encode.
func DecodeBkey(data []byte) (Bkey, error) {
	if len(data) < 8 {
		return Bkey{}, fmt.Errorf("bkey too short: %d bytes", len(data))
	}
	blen := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 8+blen {
		return Bkey{}, fmt.Errorf("bkey bucket truncated")
	}
	bucket := data[4 : 4+blen]
	off := 4 + blen
	klen := binary.BigEndian.Uint32(data[off : off+4])
	if uint32(len(data)) != 8+blen+klen {
		return Bkey{}, fmt.Errorf("bkey key truncated")
	}
	key := data[off+4 : off+4+klen]
	return Bkey{Bucket: bucket, Key: key}, nil
}

// Hash160 returns the 160-bit ring position of the Bkey, computed as
// SHA-1 over bucket || key.
func (b Bkey) Hash160() [20]byte {
	h := sha1.New()
	h.Write(b.Bucket)
	h.Write(b.Key)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (b Bkey) String() string {
	return fmt.Sprintf("%s/%s", b.Bucket, b.Key)
}
