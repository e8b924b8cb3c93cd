package channel

import (
	"context"
	"testing"
	"time"

	"github.com/hadv/NebulaStore-sub007/models"
	"github.com/hadv/NebulaStore-sub007/storage/blobfs"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	fs, err := blobfs.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ch := New(0, fs, Config{MaxFileSize: 1 << 20, CacheThreshold: 1 << 16, CacheTimeout: time.Minute, QueueSize: 16})
	if err := ch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(ch.Stop)
	return ch
}

func rec(oid models.OID, tid models.TID, body string) *models.Record {
	return &models.Record{OID: oid, TID: tid, Timestamp: 1, Body: []byte(body)}
}

func TestAppendThenRead(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	entry, err := ch.Append(ctx, rec(1, 1, "hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.OID != 1 || entry.FileNumber != 1 {
		t.Fatalf("unexpected index entry: %+v", entry)
	}

	body, err := ch.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("got body %q, want %q", body, "hello")
	}
}

func TestReadUnknownOIDNotFound(t *testing.T) {
	ch := newTestChannel(t)
	_, err := ch.Read(context.Background(), 99)
	if !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAppendBatchUndoRestoresPriorEntry(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	if _, _, err := ch.AppendBatch(ctx, []*models.Record{rec(1, 1, "v1")}); err != nil {
		t.Fatalf("first AppendBatch: %v", err)
	}
	firstEntry, _ := ch.Index.Get(1)
	preSize := ch.CurrentFileSize()

	preFile := ch.CurrentFile()
	recs := []*models.Record{rec(1, 1, "v2-overwritten")}
	_, prior, err := ch.AppendBatch(ctx, recs)
	if err != nil {
		t.Fatalf("second AppendBatch: %v", err)
	}
	if prior[0] == nil || prior[0].Position != firstEntry.Position {
		t.Fatalf("expected prior entry to match first write, got %+v", prior[0])
	}

	if err := ch.UndoBatch(ctx, recs, prior, preSize, preFile); err != nil {
		t.Fatalf("UndoBatch: %v", err)
	}

	restored, ok := ch.Index.Get(1)
	if !ok {
		t.Fatalf("expected index entry to survive rollback")
	}
	if restored != firstEntry {
		t.Fatalf("rollback did not restore bit-identical entry: got %+v, want %+v", restored, firstEntry)
	}

	body, err := ch.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read after rollback: %v", err)
	}
	if string(body) != "v1" {
		t.Fatalf("rollback left wrong body %q", body)
	}
}

func TestAppendBatchUndoForNewOIDDeletesEntry(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()
	preSize := ch.CurrentFileSize()
	preFile := ch.CurrentFile()

	recs := []*models.Record{rec(5, 1, "new")}
	_, prior, err := ch.AppendBatch(ctx, recs)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if prior[0] != nil {
		t.Fatalf("expected nil prior for brand new oid, got %+v", prior[0])
	}

	if err := ch.UndoBatch(ctx, recs, prior, preSize, preFile); err != nil {
		t.Fatalf("UndoBatch: %v", err)
	}
	if _, ok := ch.Index.Get(5); ok {
		t.Fatalf("expected index entry to be removed after rollback of a new oid")
	}
}

func TestGravestoneRetiresIndexEntry(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	if _, err := ch.Append(ctx, rec(1, 1, "alive")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := ch.Append(ctx, models.NewGravestone(1, 2)); err != nil {
		t.Fatalf("Append gravestone: %v", err)
	}
	if _, ok := ch.Index.Get(1); ok {
		t.Fatalf("expected oid 1 to be retired from the index")
	}
	if _, err := ch.Read(ctx, 1); !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("expected NotFound reading a retired oid, got %v", err)
	}
}

func TestFileRolloverOnMaxSize(t *testing.T) {
	fs, err := blobfs.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ch := New(0, fs, Config{MaxFileSize: models.RecordHeaderSize + 4, CacheThreshold: 1 << 16, CacheTimeout: time.Minute, QueueSize: 16})
	if err := ch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()
	ctx := context.Background()

	if _, err := ch.Append(ctx, rec(1, 1, "abcd")); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if _, err := ch.Append(ctx, rec(2, 1, "efgh")); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if ch.CurrentFile() != 2 {
		t.Fatalf("expected rollover to file 2, got %d", ch.CurrentFile())
	}
}

// TestUndoBatchAfterRolloverDiscardsNewFile exercises rollback of a batch
// that itself triggered a file rollover: UndoBatch must discard the
// rolled-into file and revert to the file that was current before the
// batch, not truncate whatever file happens to be current when undo runs.
func TestUndoBatchAfterRolloverDiscardsNewFile(t *testing.T) {
	fs, err := blobfs.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ch := New(0, fs, Config{MaxFileSize: models.RecordHeaderSize + 4, CacheThreshold: 1 << 16, CacheTimeout: time.Minute, QueueSize: 16})
	if err := ch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()
	ctx := context.Background()

	if _, err := ch.Append(ctx, rec(1, 1, "abcd")); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	preSize := ch.CurrentFileSize()
	preFile := ch.CurrentFile()
	if preFile != 1 {
		t.Fatalf("expected file 1 to be current before the rollover batch, got %d", preFile)
	}

	recs := []*models.Record{rec(2, 1, "efgh")}
	_, prior, err := ch.AppendBatch(ctx, recs)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if ch.CurrentFile() != 2 {
		t.Fatalf("expected the batch to roll over to file 2, got %d", ch.CurrentFile())
	}

	if err := ch.UndoBatch(ctx, recs, prior, preSize, preFile); err != nil {
		t.Fatalf("UndoBatch: %v", err)
	}

	if ch.CurrentFile() != preFile {
		t.Fatalf("expected rollback to revert current file to %d, got %d", preFile, ch.CurrentFile())
	}
	if _, ok := ch.Index.Get(2); ok {
		t.Fatalf("expected oid 2's index entry to be removed after rollback")
	}
	body, err := ch.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read oid 1 after rollback: %v", err)
	}
	if string(body) != "abcd" {
		t.Fatalf("rollback disturbed surviving record: got %q", body)
	}
}
