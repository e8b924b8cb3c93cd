package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

var dataFileNamePattern = regexp.MustCompile(`^channel_\d{3}_file_(\d{6})\.dat$`)

// snapshotEntrySize is the fixed width of one encoded IndexEntry:
// oid(8) + tid(4) + channel(4) + fileNumber(4) + position(8) + length(4).
const snapshotEntrySize = 32

func (c *Channel) snapshotPath() string {
	return fmt.Sprintf("channel_%03d/index.snapshot", c.ID)
}

// SaveSnapshot persists every live IndexEntry in this channel's index to
// a single BFS blob, so a later Open with ValidateOnStartup disabled can
// load it back instead of rescanning every data file. Called from
// Store.Close once the channel has stopped accepting new work.
func (c *Channel) SaveSnapshot(ctx context.Context) error {
	entries := c.Index.Snapshot()
	buf := make([]byte, 4+len(entries)*snapshotEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.OID))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(e.TID))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(e.Channel))
		binary.LittleEndian.PutUint32(buf[off+16:off+20], e.FileNumber)
		binary.LittleEndian.PutUint64(buf[off+20:off+28], uint64(e.Position))
		binary.LittleEndian.PutUint32(buf[off+28:off+32], e.Length)
		off += snapshotEntrySize
	}
	path := c.snapshotPath()
	if exists, err := c.fs.Exists(ctx, path); err != nil {
		return err
	} else if exists {
		if err := c.fs.Delete(ctx, path); err != nil {
			return err
		}
	}
	_, err := c.fs.Write(ctx, path, buf)
	return err
}

// LoadSnapshot reads back a snapshot written by SaveSnapshot and
// installs it as this channel's index wholesale. Returns found=false
// (not an error) if no snapshot exists yet, e.g. the first open of a
// fresh store.
func (c *Channel) LoadSnapshot(ctx context.Context) (found bool, err error) {
	path := c.snapshotPath()
	exists, err := c.fs.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	size, err := c.fs.Size(ctx, path)
	if err != nil {
		return false, err
	}
	data, err := c.fs.Read(ctx, path, 0, size)
	if err != nil {
		return false, err
	}
	if len(data) < 4 {
		return false, models.NewError(models.KindCorruption, "channel.loadSnapshot", "truncated snapshot header", nil)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + int(count)*snapshotEntrySize
	if len(data) != want {
		return false, models.NewError(models.KindCorruption, "channel.loadSnapshot", "snapshot length mismatch", nil)
	}
	entries := make([]IndexEntry, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		entries = append(entries, IndexEntry{
			OID:        models.OID(binary.LittleEndian.Uint64(data[off : off+8])),
			TID:        models.TID(binary.LittleEndian.Uint32(data[off+8 : off+12])),
			Channel:    models.ChannelID(binary.LittleEndian.Uint32(data[off+12 : off+16])),
			FileNumber: binary.LittleEndian.Uint32(data[off+16 : off+20]),
			Position:   int64(binary.LittleEndian.Uint64(data[off+20 : off+28])),
			Length:     binary.LittleEndian.Uint32(data[off+28 : off+32]),
		})
		off += snapshotEntrySize
	}
	c.Index.Rebuild(entries)

	liveBytes := make(map[uint32]int64, len(entries))
	for _, e := range entries {
		liveBytes[e.FileNumber] += int64(e.Length)
	}
	c.filesMu.Lock()
	for n, df := range c.files {
		df.LiveBytes = liveBytes[n]
	}
	c.filesMu.Unlock()
	return true, nil
}

// Discover lists the data files present for this channel's directory in
// the BFS and registers them, without scanning their contents. Used
// when validateOnStartup is false and a persisted index snapshot will
// supply the live entries instead.
func (c *Channel) Discover(ctx context.Context) error {
	dir := fmt.Sprintf("channel_%03d", c.ID)
	var numbers []uint32
	err := c.fs.VisitChildren(ctx, dir, func(child blobfs.ChildInfo) error {
		if child.IsDir {
			return nil
		}
		m := dataFileNamePattern.FindStringSubmatch(child.Name)
		if m == nil {
			return nil
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil
		}
		numbers = append(numbers, uint32(n))
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for _, n := range numbers {
		df := &DataFile{Channel: c.ID, Number: n}
		size, err := c.fs.Size(ctx, df.Path())
		if err != nil {
			return err
		}
		df.LogicalSize = size
		c.RegisterFile(df)
	}
	return nil
}

// RebuildIndex performs a full scan of every registered data file,
// reconstructing this channel's EntityIndex and each DataFile's
// LiveBytes from scratch. A gravestone record retires whatever live
// entry its RetiredOID currently names; later records always win over
// earlier ones for the same oid, matching append order.
func (c *Channel) RebuildIndex(ctx context.Context) error {
	if err := c.Discover(ctx); err != nil {
		return err
	}
	files := c.Files()
	sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })

	entries := make(map[models.OID]IndexEntry)
	liveBytes := make(map[uint32]int64)

	for _, df := range files {
		df.LiveBytes = 0
		err := scanFile(ctx, c.fs, df.Path(), func(offset int64, rec *models.Record) error {
			if rec.IsGravestone() {
				retired, rerr := rec.RetiredOID()
				if rerr != nil {
					return models.NewError(models.KindCorruption, "channel.rebuildIndex", "malformed gravestone", rerr)
				}
				if prev, ok := entries[retired]; ok {
					liveBytes[prev.FileNumber] -= int64(prev.Length)
					delete(entries, retired)
				}
				return nil
			}
			if prev, ok := entries[rec.OID]; ok {
				liveBytes[prev.FileNumber] -= int64(prev.Length)
			}
			entry := IndexEntry{
				OID:        rec.OID,
				TID:        rec.TID,
				Channel:    c.ID,
				FileNumber: df.Number,
				Position:   offset,
				Length:     rec.Length(),
			}
			entries[rec.OID] = entry
			liveBytes[df.Number] += int64(entry.Length)
			return nil
		})
		if err != nil {
			return err
		}
	}

	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	c.Index.Rebuild(out)

	c.filesMu.Lock()
	for _, df := range files {
		df.LiveBytes = liveBytes[df.Number]
	}
	c.filesMu.Unlock()
	return nil
}
