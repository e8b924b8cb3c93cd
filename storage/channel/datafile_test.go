package channel

import (
	"context"
	"testing"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

func TestDataFileAppendAndReadAt(t *testing.T) {
	fs, err := blobfs.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	df := &DataFile{Channel: 0, Number: 1}
	ctx := context.Background()

	r1 := rec(1, 1, "first")
	r2 := rec(2, 1, "second-record")
	offsets, err := df.Append(ctx, fs, [][]byte{r1.Marshal(), r2.Marshal()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if offsets[0] != 0 {
		t.Fatalf("expected first offset 0, got %d", offsets[0])
	}
	if offsets[1] != int64(r1.Length()) {
		t.Fatalf("expected second offset %d, got %d", r1.Length(), offsets[1])
	}

	raw, err := df.ReadAt(ctx, fs, offsets[1], r2.Length())
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	decoded, _, err := models.DecodeRecord(raw)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if string(decoded.Body) != "second-record" {
		t.Fatalf("got body %q, want %q", decoded.Body, "second-record")
	}
}

func TestScanFileVisitsEveryRecordInOrder(t *testing.T) {
	fs, err := blobfs.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	df := &DataFile{Channel: 0, Number: 1}
	ctx := context.Background()

	recs := []*models.Record{rec(1, 1, "a"), rec(2, 1, "bb"), rec(3, 1, "ccc")}
	encoded := make([][]byte, len(recs))
	for i, r := range recs {
		encoded[i] = r.Marshal()
	}
	if _, err := df.Append(ctx, fs, encoded); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var seen []models.OID
	err = scanFile(ctx, fs, df.Path(), func(offset int64, r *models.Record) error {
		seen = append(seen, r.OID)
		return nil
	})
	if err != nil {
		t.Fatalf("scanFile: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected oids [1 2 3] in order, got %v", seen)
	}
}

func TestDataFileNeedsRetirement(t *testing.T) {
	df := &DataFile{Channel: 0, Number: 1, LogicalSize: 100, LiveBytes: 10}
	if !df.NeedsRetirement(0.5, false) {
		t.Fatalf("expected a 10%% live file to need retirement at a 0.5 threshold")
	}
	if df.NeedsRetirement(0.5, true) {
		t.Fatalf("the channel's current file must never be a retirement target")
	}
	full := &DataFile{Channel: 0, Number: 2, LogicalSize: 100, LiveBytes: 90}
	if full.NeedsRetirement(0.5, false) {
		t.Fatalf("expected a 90%% live file not to need retirement")
	}
}
