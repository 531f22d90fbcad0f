package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/virtualspecs/tryon-web/internal/log"
)

func TestDiskStoreSaveAndOpen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, log.Nop())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	data := pngBytes(t, 400, 400)
	img := &Image{SafeName: "upload_1_selfie.png", Format: "png", Data: data}
	if err := store.Save(context.Background(), img); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rc, err := store.Open(context.Background(), "upload_1_selfie.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(data) {
		t.Fatalf("read %d bytes, want %d", len(got), len(data))
	}

	// thumbnail lands next to the original
	if _, err := os.Stat(filepath.Join(dir, "thumbs", "upload_1_selfie.png")); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
}

func TestDiskStoreThumbnailsDisabled(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, log.Nop(), WithThumbnails(false))
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	img := &Image{SafeName: "upload_2_a.png", Format: "png", Data: pngBytes(t, 5, 5)}
	if err := store.Save(context.Background(), img); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "thumbs")); !os.IsNotExist(err) {
		t.Fatalf("thumbs dir created with thumbnails disabled")
	}
}

func TestDiskStoreOpenRejectsTraversal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), log.Nop())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	for _, name := range []string{"", "..", "../secret.png", "a/b.png", `a\b.png`, "..%2fsecret"} {
		if _, err := store.Open(context.Background(), name); err == nil {
			t.Fatalf("Open(%q) succeeded, want error", name)
		}
	}
}
