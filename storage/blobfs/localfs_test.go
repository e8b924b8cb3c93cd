package blobfs

import (
	"context"
	"testing"
)

func TestLocalFSWriteReadRoundTrip(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()

	if _, err := fs.Write(ctx, "p/a", []byte("hello ")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if _, err := fs.Write(ctx, "p/a", []byte("world")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	size, err := fs.Size(ctx, "p/a")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len("hello world")) {
		t.Fatalf("expected logical size to span both blobs, got %d", size)
	}

	data, err := fs.Read(ctx, "p/a", 0, size)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q, want %q", data, "hello world")
	}
}

func TestLocalFSReadMissingIsNotFound(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	_, err = fs.Read(context.Background(), "does/not/exist", 0, 10)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestLocalFSTruncate(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	if _, err := fs.Write(ctx, "p/a", []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Truncate(ctx, "p/a", 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	size, err := fs.Size(ctx, "p/a")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4 {
		t.Fatalf("expected size 4 after truncate, got %d", size)
	}
	data, err := fs.Read(ctx, "p/a", 0, size)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "0123" {
		t.Fatalf("got %q, want %q", data, "0123")
	}
}

func TestLocalFSDeleteIsIdempotent(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	if err := fs.Delete(ctx, "never/written"); err != nil {
		t.Fatalf("Delete on an absent path must be a no-op, got %v", err)
	}
	if _, err := fs.Write(ctx, "p/a", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Delete(ctx, "p/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := fs.Exists(ctx, "p/a")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected path to be gone after Delete")
	}
}

func TestLocalFSMovePreservesContent(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	if _, err := fs.Write(ctx, "src", []byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Move(ctx, "src", "dst"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if exists, _ := fs.Exists(ctx, "src"); exists {
		t.Fatalf("expected src to be gone after Move")
	}
	data, err := fs.Read(ctx, "dst", 0, -1)
	if err != nil {
		t.Fatalf("Read dst: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q, want %q", data, "payload")
	}
}
