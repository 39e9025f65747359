package dvv

import (
	"encoding/binary"
	"fmt"
	"sort"

	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/model"
)

// Binary layout, big-endian throughout:
//
//	clock   := version:u8 numEntries:u32 entry* numAnon:u32 value*
//	entry   := partition:u64 epoch:u64 counter:u64 numDots:u32 dot*
//	dot     := counter:u64 value
//	value   := flags:u8 len:u32 data
//	context := version:u8 numEntries:u32 (partition:u64 epoch:u64 counter:u64)*
//
// Entries and dots are written in sorted order so equal clocks encode
// to equal bytes, which the Merkle tree leaf hashes rely on.

const codecVersion = 1

const flagTombstone byte = 1 << 0

// EncodeClock serializes a clock.
func EncodeClock(c Clock) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, codecVersion)
	ids := sortedIDs(c)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		e := c.Entries[id]
		buf = binary.BigEndian.AppendUint64(buf, id.Partition)
		buf = binary.BigEndian.AppendUint64(buf, id.Epoch)
		buf = binary.BigEndian.AppendUint64(buf, e.Counter)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Dots)))
		for _, d := range e.Dots {
			buf = binary.BigEndian.AppendUint64(buf, d.Counter)
			buf = appendValue(buf, d.Val)
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Anon)))
	for _, v := range c.Anon {
		buf = appendValue(buf, v)
	}
	return buf
}

// DecodeClock parses a serialized clock.
func DecodeClock(data []byte) (Clock, error) {
	r := reader{data: data}
	ver, err := r.u8()
	if err != nil {
		return Clock{}, err
	}
	if ver != codecVersion {
		return Clock{}, fmt.Errorf("unsupported clock version %d", ver)
	}
	c := New()
	numEntries, err := r.u32()
	if err != nil {
		return Clock{}, err
	}
	for i := uint32(0); i < numEntries; i++ {
		var id model.VnodeID
		if id.Partition, err = r.u64(); err != nil {
			return Clock{}, err
		}
		if id.Epoch, err = r.u64(); err != nil {
			return Clock{}, err
		}
		var e Entry
		if e.Counter, err = r.u64(); err != nil {
			return Clock{}, err
		}
		numDots, err := r.u32()
		if err != nil {
			return Clock{}, err
		}
		for j := uint32(0); j < numDots; j++ {
			var d Dotted
			if d.Counter, err = r.u64(); err != nil {
				return Clock{}, err
			}
			if d.Val, err = r.value(); err != nil {
				return Clock{}, err
			}
			e.Dots = append(e.Dots, d)
		}
		c.Entries[id] = e
	}
	numAnon, err := r.u32()
	if err != nil {
		return Clock{}, err
	}
	for i := uint32(0); i < numAnon; i++ {
		v, err := r.value()
		if err != nil {
			return Clock{}, err
		}
		c.Anon = append(c.Anon, v)
	}
	if !r.done() {
		return Clock{}, fmt.Errorf("trailing bytes after clock")
	}
	return c, nil
}

// EncodeContext serializes a context into the opaque token handed to
// clients.
func EncodeContext(ctx Context) []byte {
	buf := make([]byte, 0, 1+4+len(ctx)*24)
	buf = append(buf, codecVersion)
	ids := make([]model.VnodeID, 0, len(ctx))
	for id := range ctx {
		ids = append(ids, id)
	}
	sortVnodeIDs(ids)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint64(buf, id.Partition)
		buf = binary.BigEndian.AppendUint64(buf, id.Epoch)
		buf = binary.BigEndian.AppendUint64(buf, ctx[id])
	}
	return buf
}

// DecodeContext parses a client-supplied context token. A nil or empty
// token is the empty context. Malformed tokens are rejected with
// ErrCodeInvalidContext.
func DecodeContext(data []byte) (Context, error) {
	if len(data) == 0 {
		return Context{}, nil
	}
	r := reader{data: data}
	ver, err := r.u8()
	if err != nil || ver != codecVersion {
		return nil, kverrors.InvalidContext(fmt.Errorf("bad context version"))
	}
	n, err := r.u32()
	if err != nil {
		return nil, kverrors.InvalidContext(err)
	}
	ctx := make(Context, n)
	for i := uint32(0); i < n; i++ {
		var id model.VnodeID
		if id.Partition, err = r.u64(); err != nil {
			return nil, kverrors.InvalidContext(err)
		}
		if id.Epoch, err = r.u64(); err != nil {
			return nil, kverrors.InvalidContext(err)
		}
		var counter uint64
		if counter, err = r.u64(); err != nil {
			return nil, kverrors.InvalidContext(err)
		}
		ctx[id] = counter
	}
	if !r.done() {
		return nil, kverrors.InvalidContext(fmt.Errorf("trailing bytes"))
	}
	return ctx, nil
}

func appendValue(buf []byte, v Value) []byte {
	var flags byte
	if v.Tombstone {
		flags |= flagTombstone
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Data)))
	return append(buf, v.Data...)
}

func sortVnodeIDs(ids []model.VnodeID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Partition != ids[j].Partition {
			return ids[i].Partition < ids[j].Partition
		}
		return ids[i].Epoch < ids[j].Epoch
	})
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("short read at %d", r.off)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("short read at %d", r.off)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("short read at %d", r.off)
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) value() (Value, error) {
	flags, err := r.u8()
	if err != nil {
		return Value{}, err
	}
	n, err := r.u32()
	if err != nil {
		return Value{}, err
	}
	if r.off+int(n) > len(r.data) {
		return Value{}, fmt.Errorf("short value at %d", r.off)
	}
	data := make([]byte, n)
	copy(data, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	v := Value{Tombstone: flags&flagTombstone != 0}
	if n > 0 {
		v.Data = data
	}
	return v, nil
}

func (r *reader) done() bool {
	return r.off == len(r.data)
}
