package blobfs

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LogFS implements BlobFileSystem over an append-only log-broker-style
// storage model: one data file per logical path holding every blob's
// bytes back to back, and a parallel index file recording each blob's
// identity as (partition, offset, logicalStart, logicalEnd) — the same
// tuple spec.md assigns to a Kafka-style backend's blob identity.
//
// No Kafka client library exists anywhere in the retrieved example
// corpus (see DESIGN.md), so this backend is grounded on the teacher's
// own journal writer/reader (storage/binary/journal_writer.go,
// journal_reader.go) instead of an external broker SDK: a single
// always-growing data file plus a compact offset index is exactly what
// that journal already does, generalized from one entity stream to many
// independent numbered-blob paths (partitions). Per spec.md's open
// question on Kafka-backend gravestones, retirement here is whole-file
// rewrite since this backend has no partial-delete semantics.
type LogFS struct {
	root      string
	mu        sync.Mutex
	validator PathValidator
}

// NewLogFS roots a LogFS backend at dir.
func NewLogFS(dir string) (*LogFS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr(KindFatal, "log.new", dir, err)
	}
	return &LogFS{root: dir, validator: localPathValidator{}}, nil
}

func (fs *LogFS) Validator() PathValidator { return fs.validator }

// indexEntry is one record in a path's offset index: a blob's number,
// its byte range in the data file (logicalStart/logicalEnd), and the
// partition it models (always 0 here — a single writer per path never
// needs more than one).
type indexEntry struct {
	partition    int32
	number       int64
	logicalStart int64
	logicalEnd   int64
}

const logIndexEntrySize = 4 + 8 + 8 + 8

func (fs *LogFS) dataPath(path string) string  { return filepath.Join(fs.root, filepath.FromSlash(path)+".log") }
func (fs *LogFS) indexPath(path string) string { return filepath.Join(fs.root, filepath.FromSlash(path)+".idx") }

func (fs *LogFS) readIndex(path string) ([]indexEntry, error) {
	data, err := os.ReadFile(fs.indexPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []indexEntry
	for off := 0; off+logIndexEntrySize <= len(data); off += logIndexEntrySize {
		e := indexEntry{
			partition:    int32(binary.LittleEndian.Uint32(data[off : off+4])),
			number:       int64(binary.LittleEndian.Uint64(data[off+4 : off+12])),
			logicalStart: int64(binary.LittleEndian.Uint64(data[off+12 : off+20])),
			logicalEnd:   int64(binary.LittleEndian.Uint64(data[off+20 : off+28])),
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out, nil
}

func (fs *LogFS) appendIndex(path string, e indexEntry) error {
	buf := make([]byte, logIndexEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.partition))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.number))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.logicalStart))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(e.logicalEnd))
	f, err := os.OpenFile(fs.indexPath(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

func (fs *LogFS) Exists(ctx context.Context, path string) (bool, error) {
	entries, err := fs.readIndex(path)
	if err != nil {
		return false, newErr(KindFatal, "exists", path, err)
	}
	return len(entries) > 0, nil
}

func (fs *LogFS) DirectoryExists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(filepath.Join(fs.root, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, newErr(KindFatal, "directoryExists", path, err)
	}
	return info.IsDir(), nil
}

func (fs *LogFS) Size(ctx context.Context, path string) (int64, error) {
	entries, err := fs.readIndex(path)
	if err != nil {
		return 0, newErr(KindFatal, "size", path, err)
	}
	var total int64
	for _, e := range entries {
		total += e.logicalEnd - e.logicalStart
	}
	return total, nil
}

func (fs *LogFS) Read(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	entries, err := fs.readIndex(path)
	if err != nil {
		return nil, newErr(KindFatal, "read", path, err)
	}
	if len(entries) == 0 {
		return nil, newErr(KindNotFound, "read", path, nil)
	}
	var total int64
	for _, e := range entries {
		total += e.logicalEnd - e.logicalStart
	}
	if length < 0 {
		length = total - offset
	}
	f, err := os.Open(fs.dataPath(path))
	if err != nil {
		return nil, newErr(KindFatal, "read", path, err)
	}
	defer f.Close()

	out := make([]byte, 0, length)
	var consumed int64
	for _, e := range entries {
		blobSize := e.logicalEnd - e.logicalStart
		blobStart, blobEnd := consumed, consumed+blobSize
		consumed = blobEnd
		rangeStart := max64(offset, blobStart)
		rangeEnd := min64(offset+length, blobEnd)
		if rangeStart >= rangeEnd {
			continue
		}
		chunk := make([]byte, rangeEnd-rangeStart)
		physicalOff := e.logicalStart + (rangeStart - blobStart)
		if _, err := f.ReadAt(chunk, physicalOff); err != nil {
			return nil, newErr(KindFatal, "read", path, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (fs *LogFS) Write(ctx context.Context, path string, data []byte) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.validator.Validate(path); err != nil {
		return 0, newErr(KindInvalidPath, "write", path, err)
	}
	entries, err := fs.readIndex(path)
	if err != nil {
		return 0, newErr(KindFatal, "write", path, err)
	}
	next := int64(0)
	if len(entries) > 0 {
		next = entries[len(entries)-1].number + 1
	}
	f, err := os.OpenFile(fs.dataPath(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, newErr(KindTransient, "write", path, err)
	}
	start, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		f.Close()
		return 0, newErr(KindTransient, "write", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, newErr(KindTransient, "write", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, newErr(KindTransient, "write", path, err)
	}
	f.Close()

	e := indexEntry{partition: 0, number: next, logicalStart: start, logicalEnd: start + int64(len(data))}
	if err := fs.appendIndex(path, e); err != nil {
		return 0, newErr(KindFatal, "write", path, err)
	}
	return int64(len(data)), nil
}

func (fs *LogFS) Delete(ctx context.Context, path string) error {
	for _, p := range []string{fs.dataPath(path), fs.indexPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return newErr(KindFatal, "delete", path, err)
		}
	}
	return nil
}

func (fs *LogFS) Move(ctx context.Context, src, dst string) error {
	return CopyViaReadWriteDelete(ctx, fs, src, dst)
}

func (fs *LogFS) Copy(ctx context.Context, src, dst string, off, length int64) error {
	data, err := fs.Read(ctx, src, off, length)
	if err != nil {
		return err
	}
	_, err = fs.Write(ctx, dst, data)
	return err
}

// Truncate rewrites the whole log: no partial-delete semantics exist on
// this backend (per spec.md's Kafka-backend note), so keeping [0,newLen)
// means read the surviving bytes and replace both files with a single
// fresh blob.
func (fs *LogFS) Truncate(ctx context.Context, path string, newLen int64) error {
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

func (fs *LogFS) VisitChildren(ctx context.Context, dir string, visit func(ChildInfo) error) error {
	entries, err := os.ReadDir(filepath.Join(fs.root, filepath.FromSlash(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newErr(KindFatal, "visitChildren", dir, err)
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			if !seen[entry.Name()] {
				seen[entry.Name()] = true
				if err := visit(ChildInfo{Name: entry.Name(), IsDir: true}); err != nil {
					return err
				}
			}
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".log"), ".idx")
		if !seen[name] {
			seen[name] = true
			if err := visit(ChildInfo{Name: name, IsDir: false}); err != nil {
				return err
			}
		}
	}
	return nil
}
