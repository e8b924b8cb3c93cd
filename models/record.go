package models

import (
	"encoding/binary"
	"fmt"
)

// RecordHeaderSize is the fixed portion of every on-disk entity record:
// length(4) + oid(8) + tid(4) + timestamp(8).
const RecordHeaderSize = 24

// Record is one framed entity version as it appears on disk:
//
//	[length:u32][oid:u64][tid:u32][timestamp:u64][body:length-24 bytes]
//
// A record with OID == NilOID is a gravestone marking the prior oid
// value unreachable; its TID is NilTID and its 8-byte Body holds the
// retired oid (see NewGravestone).
type Record struct {
	OID       OID
	TID       TID
	Timestamp int64
	Body      []byte
}

// Length returns the total on-disk size of the record including header.
func (r *Record) Length() uint32 {
	return uint32(RecordHeaderSize + len(r.Body))
}

// Encode writes the record's wire form (little-endian) to dst, which must
// be at least int(r.Length()) bytes, and returns the number of bytes
// written.
func (r *Record) Encode(dst []byte) int {
	n := r.Length()
	binary.LittleEndian.PutUint32(dst[0:4], n)
	binary.LittleEndian.PutUint64(dst[4:12], uint64(r.OID))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(r.TID))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(r.Timestamp))
	copy(dst[24:n], r.Body)
	return int(n)
}

// Marshal allocates and encodes the record.
func (r *Record) Marshal() []byte {
	buf := make([]byte, r.Length())
	r.Encode(buf)
	return buf
}

// DecodeRecord parses a single framed record from the front of src.
// It returns the record and the number of bytes consumed. An error with
// Kind == KindCorruption is returned if the header declares a length
// that src cannot satisfy, or a length smaller than RecordHeaderSize.
func DecodeRecord(src []byte) (*Record, int, error) {
	if len(src) < RecordHeaderSize {
		return nil, 0, NewError(KindCorruption, "record.decode",
			fmt.Sprintf("short read: need %d header bytes, have %d", RecordHeaderSize, len(src)), nil)
	}
	length := binary.LittleEndian.Uint32(src[0:4])
	if length < RecordHeaderSize {
		return nil, 0, NewError(KindCorruption, "record.decode",
			fmt.Sprintf("record length %d below header size %d", length, RecordHeaderSize), nil)
	}
	if int(length) > len(src) {
		return nil, 0, NewError(KindCorruption, "record.decode",
			fmt.Sprintf("record declares %d bytes, only %d available", length, len(src)), nil)
	}
	rec := &Record{
		OID:       OID(binary.LittleEndian.Uint64(src[4:12])),
		TID:       TID(binary.LittleEndian.Uint32(src[12:16])),
		Timestamp: int64(binary.LittleEndian.Uint64(src[16:24])),
	}
	if length > RecordHeaderSize {
		body := make([]byte, length-RecordHeaderSize)
		copy(body, src[24:length])
		rec.Body = body
	}
	return rec, int(length), nil
}

// IsGravestone reports whether the record marks its prior oid unreachable.
func (r *Record) IsGravestone() bool {
	return r.OID == NilOID
}

// NewGravestone builds the gravestone record for oid, stamped at ts.
// The TID field is not used to carry the retired oid; instead the
// retired oid travels in the body so housekeeping can identify it
// without a side channel.
func NewGravestone(retiredOID OID, ts int64) *Record {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(retiredOID))
	return &Record{OID: NilOID, TID: NilTID, Timestamp: ts, Body: body}
}

// RetiredOID extracts the oid a gravestone record marks unreachable.
// Only valid when IsGravestone() is true.
func (r *Record) RetiredOID() (OID, error) {
	if !r.IsGravestone() {
		return NilOID, fmt.Errorf("record is not a gravestone")
	}
	if len(r.Body) < 8 {
		return NilOID, fmt.Errorf("gravestone body too short")
	}
	return OID(binary.LittleEndian.Uint64(r.Body[:8])), nil
}
