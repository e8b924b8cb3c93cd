package store

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

const (
	rootPath    = "root.bin"
	rootMagic   = 0x4E425254 // "NBRT"
	rootRecSize = 16         // magic(4) + oid(8) + crc(4)
)

// readRoot reads and validates root.bin, returning the stored root oid.
// A missing file yields (NilOID, false, nil) so callers can distinguish
// "no root yet" (fresh store, empty root allowed) from corruption.
func readRoot(ctx context.Context, fs blobfs.BlobFileSystem) (models.OID, bool, error) {
	exists, err := fs.Exists(ctx, rootPath)
	if err != nil {
		return models.NilOID, false, err
	}
	if !exists {
		return models.NilOID, false, nil
	}
	data, err := fs.Read(ctx, rootPath, 0, rootRecSize)
	if err != nil {
		return models.NilOID, false, err
	}
	if len(data) != rootRecSize {
		return models.NilOID, false, models.NewError(models.KindCorruption, "root.read", "root.bin has wrong size", nil)
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != rootMagic {
		return models.NilOID, false, models.NewError(models.KindCorruption, "root.read", "root.bin magic mismatch", nil)
	}
	oid := models.OID(binary.LittleEndian.Uint64(data[4:12]))
	wantCRC := binary.LittleEndian.Uint32(data[12:16])
	gotCRC := crc32.ChecksumIEEE(data[0:12])
	if wantCRC != gotCRC {
		return models.NilOID, false, models.NewError(models.KindCorruption, "root.read", "root.bin checksum mismatch", nil)
	}
	return oid, true, nil
}

// writeRoot persists the root oid atomically: the BFS write-a-new-blob
// contract already gives atomicity from a reader's perspective, but
// root.bin additionally needs a single current value rather than an
// append history, so this truncates to empty then writes exactly one
// blob holding the full framed record.
func writeRoot(ctx context.Context, fs blobfs.BlobFileSystem, oid models.OID) error {
	buf := make([]byte, rootRecSize)
	binary.LittleEndian.PutUint32(buf[0:4], rootMagic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(oid))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(buf[0:12]))

	if exists, err := fs.Exists(ctx, rootPath); err != nil {
		return err
	} else if exists {
		if err := fs.Delete(ctx, rootPath); err != nil {
			return err
		}
	}
	_, err := fs.Write(ctx, rootPath, buf)
	return err
}
