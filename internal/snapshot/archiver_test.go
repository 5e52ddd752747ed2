package snapshot

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parking-edge-sync/internal/models"
)

func TestArchiveWritesThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 0, B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	archiver, err := New(context.Background(), Options{
		OutputDir:  tempDir,
		ThumbWidth: 10,
	})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	event := models.DetectionEvent{
		EventID:     "ev-1",
		CameraID:    "cam-1",
		CapturedAt:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		SnapshotURL: srv.URL,
	}
	if err := archiver.Archive(context.Background(), event); err != nil {
		t.Fatalf("archive: %v", err)
	}

	outputPath := filepath.Join(tempDir, "cam-1", "2026-08-30", "ev-1.png")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if out.Bounds().Dx() != 10 {
		t.Fatalf("expected width 10, got %d", out.Bounds().Dx())
	}
	// Aspect ratio preserved.
	if out.Bounds().Dy() != 5 {
		t.Fatalf("expected height 5, got %d", out.Bounds().Dy())
	}
}

func TestArchiveNoSnapshotURLIsNoop(t *testing.T) {
	archiver, err := New(context.Background(), Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	if err := archiver.Archive(context.Background(), models.DetectionEvent{EventID: "ev-2"}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestArchiveRejectsOversizedSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	archiver, err := New(context.Background(), Options{
		OutputDir: t.TempDir(),
		MaxBytes:  1024,
	})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	err = archiver.Archive(context.Background(), models.DetectionEvent{
		EventID:     "ev-3",
		CameraID:    "cam-1",
		CapturedAt:  time.Now(),
		SnapshotURL: srv.URL,
	})
	if err == nil {
		t.Fatal("expected error for oversized snapshot")
	}
}

func TestArchiveDownloadErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	archiver, err := New(context.Background(), Options{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	err = archiver.Archive(context.Background(), models.DetectionEvent{
		EventID:     "ev-4",
		CameraID:    "cam-1",
		CapturedAt:  time.Now(),
		SnapshotURL: srv.URL,
	})
	if err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}
