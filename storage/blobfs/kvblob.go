package blobfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// KVFS implements BlobFileSystem over an embedded key-value store
// (github.com/dgraph-io/badger/v4). A logical path's blob N is stored
// under key "<path>\x00<N as big-endian u64>"; a small per-path manifest
// key "<path>\x00#" records the highest blob number written. Nothing
// reads the manifest back: blob enumeration and VisitChildren iterate
// the key range under the path's prefix.
//
// spec.md describes this backend as "a Redis-like key-value store"; no
// Redis client exists anywhere in the retrieved example corpus (see
// DESIGN.md), so this backend is grounded on the embedded KV store the
// corpus actually imports — badger, via marmos91-dittofs's metadata
// store package. Badger satisfies the same point-lookup/append contract
// spec.md requires of the KV backend.
type KVFS struct {
	db        *badger.DB
	validator PathValidator
}

// NewKVFS opens (or creates) a badger database rooted at dir.
func NewKVFS(dir string) (*KVFS, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, newErr(KindFatal, "kv.new", dir, err)
	}
	return &KVFS{db: db, validator: kvPathValidator{}}, nil
}

// Close releases the underlying badger database.
func (fs *KVFS) Close() error {
	return fs.db.Close()
}

func (fs *KVFS) Validator() PathValidator { return fs.validator }

type kvPathValidator struct{}

func (kvPathValidator) Validate(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path %q must not contain a NUL byte", path)
	}
	return nil
}

const manifestSuffix = "\x00#"

func blobKey(path string, number int64) []byte {
	key := make([]byte, 0, len(path)+9)
	key = append(key, path...)
	key = append(key, 0)
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], uint64(number))
	return append(key, numBuf[:]...)
}

func manifestKey(path string) []byte {
	return []byte(path + manifestSuffix)
}

// blobs lists the numbered blobs backing path in ascending order by
// scanning the key range under its prefix.
func (fs *KVFS) blobs(path string) ([]BlobInfo, error) {
	var out []BlobInfo
	prefix := []byte(path + "\x00")
	err := fs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			suffix := key[len(prefix):]
			if len(suffix) == 1 && suffix[0] == '#' {
				continue // manifest key, not a blob
			}
			if len(suffix) != 8 {
				continue
			}
			num := int64(binary.BigEndian.Uint64(suffix))
			out = append(out, BlobInfo{Number: num, Size: item.ValueSize()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (fs *KVFS) Exists(ctx context.Context, path string) (bool, error) {
	blobs, err := fs.blobs(path)
	if err != nil {
		return false, newErr(KindFatal, "exists", path, err)
	}
	return len(blobs) > 0, nil
}

func (fs *KVFS) DirectoryExists(ctx context.Context, path string) (bool, error) {
	found := false
	prefix := []byte(strings.TrimSuffix(path, "/") + "/")
	err := fs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	if err != nil {
		return false, newErr(KindFatal, "directoryExists", path, err)
	}
	return found, nil
}

func (fs *KVFS) Size(ctx context.Context, path string) (int64, error) {
	blobs, err := fs.blobs(path)
	if err != nil {
		return 0, newErr(KindFatal, "size", path, err)
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	return total, nil
}

func (fs *KVFS) Read(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	blobs, err := fs.blobs(path)
	if err != nil {
		return nil, newErr(KindFatal, "read", path, err)
	}
	if len(blobs) == 0 {
		return nil, newErr(KindNotFound, "read", path, nil)
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	if length < 0 {
		length = total - offset
	}
	if offset+length > total {
		return nil, newErr(KindFatal, "read", path, fmt.Errorf("range [%d,%d) out of bounds (size %d)", offset, offset+length, total))
	}
	out := make([]byte, 0, length)
	err = fs.db.View(func(txn *badger.Txn) error {
		var consumed int64
		for _, b := range blobs {
			blobStart, blobEnd := consumed, consumed+b.Size
			consumed = blobEnd
			rangeStart := max64(offset, blobStart)
			rangeEnd := min64(offset+length, blobEnd)
			if rangeStart >= rangeEnd {
				continue
			}
			item, err := txn.Get(blobKey(path, b.Number))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				out = append(out, val[rangeStart-blobStart:rangeEnd-blobStart]...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, newErr(KindFatal, "read", path, err)
	}
	return out, nil
}

func (fs *KVFS) Write(ctx context.Context, path string, data []byte) (int64, error) {
	if err := fs.validator.Validate(path); err != nil {
		return 0, newErr(KindInvalidPath, "write", path, err)
	}
	blobs, err := fs.blobs(path)
	if err != nil {
		return 0, newErr(KindFatal, "write", path, err)
	}
	next := int64(0)
	if len(blobs) > 0 {
		next = blobs[len(blobs)-1].Number + 1
	}
	err = fs.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(path, next), data); err != nil {
			return err
		}
		var numBuf [8]byte
		binary.BigEndian.PutUint64(numBuf[:], uint64(next))
		return txn.Set(manifestKey(path), numBuf[:])
	})
	if err != nil {
		return 0, newErr(KindTransient, "write", path, err)
	}
	return int64(len(data)), nil
}

func (fs *KVFS) Delete(ctx context.Context, path string) error {
	blobs, err := fs.blobs(path)
	if err != nil {
		return newErr(KindFatal, "delete", path, err)
	}
	return fs.db.Update(func(txn *badger.Txn) error {
		for _, b := range blobs {
			if err := txn.Delete(blobKey(path, b.Number)); err != nil {
				return err
			}
		}
		_ = txn.Delete(manifestKey(path))
		return nil
	})
}

func (fs *KVFS) Move(ctx context.Context, src, dst string) error {
	return CopyViaReadWriteDelete(ctx, fs, src, dst)
}

func (fs *KVFS) Copy(ctx context.Context, src, dst string, off, length int64) error {
	data, err := fs.Read(ctx, src, off, length)
	if err != nil {
		return err
	}
	_, err = fs.Write(ctx, dst, data)
	return err
}

func (fs *KVFS) Truncate(ctx context.Context, path string, newLen int64) error {
	data, err := fs.Read(ctx, path, 0, newLen)
	if err != nil {
		return err
	}
	if err := fs.Delete(ctx, path); err != nil {
		return err
	}
	_, err = fs.Write(ctx, path, data)
	return err
}

func (fs *KVFS) VisitChildren(ctx context.Context, dir string, visit func(ChildInfo) error) error {
	prefix := []byte(strings.TrimSuffix(dir, "/") + "/")
	seen := make(map[string]bool)
	err := fs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := key[len(prefix):]
			isDir := false
			if idx := strings.IndexAny(rest, "/\x00"); idx >= 0 {
				isDir = rest[idx] == '/'
				rest = rest[:idx]
			}
			if rest != "" {
				seen[rest] = seen[rest] || isDir
			}
		}
		return nil
	})
	if err != nil {
		return newErr(KindFatal, "visitChildren", dir, err)
	}
	for name, isDir := range seen {
		if err := visit(ChildInfo{Name: name, IsDir: isDir}); err != nil {
			return err
		}
	}
	return nil
}
