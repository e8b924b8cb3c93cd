// Package typedict implements the store's type dictionary: a stable,
// append-only mapping between registered type ids and the opaque
// descriptors user type handlers are found by.
package typedict

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

const dictPath = "types.dict"

// descriptorRecord is one append-only entry in types.dict:
// [tid:u32][descLen:u32][descriptor bytes].
type descriptorRecord struct {
	tid  models.TID
	desc []byte
}

func encodeDescriptor(r descriptorRecord) []byte {
	buf := make([]byte, 8+len(r.desc))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.tid))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.desc)))
	copy(buf[8:], r.desc)
	return buf
}

func decodeDescriptors(data []byte) ([]descriptorRecord, error) {
	var out []descriptorRecord
	off := 0
	for off < len(data) {
		if off+8 > len(data) {
			return nil, models.NewError(models.KindCorruption, "typedict.decode", "truncated descriptor header", nil)
		}
		tid := models.TID(binary.LittleEndian.Uint32(data[off : off+4]))
		length := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if off+int(length) > len(data) {
			return nil, models.NewError(models.KindCorruption, "typedict.decode", "truncated descriptor body", nil)
		}
		desc := make([]byte, length)
		copy(desc, data[off:off+int(length)])
		off += int(length)
		out = append(out, descriptorRecord{tid: tid, desc: desc})
	}
	return out, nil
}

// snapshot is the copy-on-write state readers see: an immutable
// tid -> descriptor map.
type snapshot struct {
	byTID map[models.TID][]byte
}

// Dictionary is the process-wide tid <-> descriptor registry. Readers
// load an atomic snapshot pointer (copy-on-write, per spec.md §5); a
// single mutex serializes writers so appends to types.dict and snapshot
// installs stay consistent with each other.
type Dictionary struct {
	fs   blobfs.BlobFileSystem
	snap atomic.Pointer[snapshot]

	writeMu sync.Mutex
	nextTID uint32
}

// Open loads an existing types.dict (if any) and returns a Dictionary
// ready for lookups and registration. A missing file is treated as an
// empty, freshly created dictionary.
func Open(ctx context.Context, fs blobfs.BlobFileSystem) (*Dictionary, error) {
	d := &Dictionary{fs: fs}
	exists, err := fs.Exists(ctx, dictPath)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{byTID: make(map[models.TID][]byte)}
	var maxTID uint32
	if exists {
		size, err := fs.Size(ctx, dictPath)
		if err != nil {
			return nil, err
		}
		data, err := fs.Read(ctx, dictPath, 0, size)
		if err != nil {
			return nil, err
		}
		records, err := decodeDescriptors(data)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			snap.byTID[r.tid] = r.desc
			if uint32(r.tid) > maxTID {
				maxTID = uint32(r.tid)
			}
		}
	}
	d.snap.Store(snap)
	d.nextTID = maxTID + 1
	return d, nil
}

// Lookup returns the descriptor bytes for tid, if registered.
func (d *Dictionary) Lookup(tid models.TID) ([]byte, bool) {
	snap := d.snap.Load()
	desc, ok := snap.byTID[tid]
	return desc, ok
}

// Register assigns the next free tid to desc, appends it to types.dict,
// fsyncs (via the BFS write-then-fsync contract), and installs a new
// snapshot. Concurrent registrations are serialized by writeMu; existing
// tids are never reassigned (models.ErrTidReassigned).
func (d *Dictionary) Register(ctx context.Context, desc []byte) (models.TID, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tid := models.TID(d.nextTID)
	rec := encodeDescriptor(descriptorRecord{tid: tid, desc: desc})
	if _, err := d.fs.Write(ctx, dictPath, rec); err != nil {
		return models.NilTID, models.NewError(models.KindBackendFatal, "typedict.register", "append failed", err)
	}

	old := d.snap.Load()
	next := &snapshot{byTID: make(map[models.TID][]byte, len(old.byTID)+1)}
	for k, v := range old.byTID {
		next.byTID[k] = v
	}
	next.byTID[tid] = desc
	d.snap.Store(next)
	d.nextTID++
	return tid, nil
}

// EnsureRegistered reassigns nothing: if existingTID is already present
// it must carry the same descriptor, or the call fails with
// models.ErrTidReassigned. Used when a caller restores a dictionary from
// an external source (e.g. a backup) and expects its tid numbering to
// hold.
func (d *Dictionary) EnsureRegistered(existingTID models.TID, desc []byte) error {
	snap := d.snap.Load()
	if current, ok := snap.byTID[existingTID]; ok {
		if string(current) != string(desc) {
			return models.ErrTidReassigned
		}
		return nil
	}
	return models.NewError(models.KindNotFound, "typedict.ensureRegistered", existingTID.String(), models.ErrNotFound)
}

// Len reports how many types are currently registered.
func (d *Dictionary) Len() int {
	return len(d.snap.Load().byTID)
}
