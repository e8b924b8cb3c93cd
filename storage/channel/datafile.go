// Package channel implements the single-writer storage shard: the
// append-only data file stream, the entity index, the bounded entity
// cache, and the channel worker that serializes access to all three.
package channel

import (
	"context"
	"fmt"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
	"github.com/hadv/NebulaStore-sub007/storage/pools"
)

// DataFile is one (channel, number) append-only record stream. Its bytes
// live in a BFS path; DataFile tracks the bookkeeping the BFS itself
// doesn't know about — logical size and how many of those bytes are
// still reachable.
type DataFile struct {
	Channel     models.ChannelID
	Number      uint32
	LogicalSize int64
	LiveBytes   int64
}

// Path returns the BFS path backing this file, matching the on-disk
// layout's channel_<channel:D3>_file_<number:D6>.dat naming.
func (df *DataFile) Path() string {
	return fmt.Sprintf("channel_%03d/channel_%03d_file_%06d.dat", df.Channel, df.Channel, df.Number)
}

// NeedsRetirement reports whether this file is a good housekeeping
// consolidation target: its live-byte ratio has fallen below threshold
// and it is not the channel's current append target.
func (df *DataFile) NeedsRetirement(threshold float64, isCurrent bool) bool {
	if isCurrent || df.LogicalSize == 0 {
		return false
	}
	return float64(df.LiveBytes)/float64(df.LogicalSize) < threshold
}

// Append writes records (already framed via Record.Marshal) to the file
// as a single BFS write call, returning the byte offset each record
// landed at and advancing LogicalSize. The append is all-or-nothing: a
// BFS failure leaves LogicalSize unchanged.
func (df *DataFile) Append(ctx context.Context, fs blobfs.BlobFileSystem, records [][]byte) ([]int64, error) {
	offsets := make([]int64, len(records))
	total := 0
	cursor := df.LogicalSize
	for i, rec := range records {
		offsets[i] = cursor
		cursor += int64(len(rec))
		total += len(rec)
	}
	buf := pools.GetBuffer(total)
	defer pools.PutBuffer(buf)
	for _, rec := range records {
		buf.Write(rec)
	}
	n, err := fs.Write(ctx, df.Path(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	df.LogicalSize += n
	return offsets, nil
}

// ReadAt returns the length bytes at position in this file.
func (df *DataFile) ReadAt(ctx context.Context, fs blobfs.BlobFileSystem, position int64, length uint32) ([]byte, error) {
	return fs.Read(ctx, df.Path(), position, int64(length))
}

// scanFile reads every record from path in order, invoking fn with each
// record's offset and decoded record. Used both by channel startup index
// rebuild and by housekeeping consolidation.
func scanFile(ctx context.Context, fs blobfs.BlobFileSystem, path string, fn func(offset int64, rec *models.Record) error) error {
	size, err := fs.Size(ctx, path)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	data, err := fs.Read(ctx, path, 0, size)
	if err != nil {
		return err
	}
	var offset int64
	for offset < int64(len(data)) {
		rec, n, err := models.DecodeRecord(data[offset:])
		if err != nil {
			return err
		}
		if err := fn(offset, rec); err != nil {
			return err
		}
		offset += int64(n)
	}
	return nil
}
