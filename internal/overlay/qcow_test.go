package overlay

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func requireQemuImg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("qemu-img")
	if err != nil {
		t.Skip("qemu-img not found on PATH, skipping overlay integration test")
	}
	return path
}

func TestQcowOverlayCreateAndRemove(t *testing.T) {
	bin := requireQemuImg(t)
	dir := t.TempDir()

	base := filepath.Join(dir, "base.qcow2")
	baseCmd := exec.Command(bin, "create", "-f", "qcow2", base, "16M")
	if out, err := baseCmd.CombinedOutput(); err != nil {
		t.Fatalf("create base image: %v: %s", err, out)
	}

	ov := NewQcowOverlay(bin)
	dest := filepath.Join(dir, "runner-1", "overlay.qcow2")

	got, err := ov.Create(context.Background(), base, dest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got != dest {
		t.Errorf("Create returned %q, want %q", got, dest)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("overlay file missing: %v", err)
	}

	if err := ov.Remove(dest); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("overlay file still exists after remove")
	}
}

func TestQcowOverlayCreateRequiresBaseImage(t *testing.T) {
	bin := requireQemuImg(t)
	dir := t.TempDir()

	ov := NewQcowOverlay(bin)
	_, err := ov.Create(context.Background(), filepath.Join(dir, "missing.qcow2"), filepath.Join(dir, "overlay.qcow2"))
	if err == nil {
		t.Fatal("expected error for missing base image")
	}
}

func TestQcowOverlayCreateLeavesNoStagingFileOnSuccess(t *testing.T) {
	bin := requireQemuImg(t)
	dir := t.TempDir()

	base := filepath.Join(dir, "base.qcow2")
	if out, err := exec.Command(bin, "create", "-f", "qcow2", base, "16M").CombinedOutput(); err != nil {
		t.Fatalf("create base image: %v: %s", err, out)
	}

	ov := NewQcowOverlay(bin)
	dest := filepath.Join(dir, "overlay.qcow2")
	if _, err := ov.Create(context.Background(), base, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("staging .tmp file should not exist after successful create")
	}
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.qcow2")
	os.WriteFile(stale, []byte("x"), 0644)
	oldTime := time.Now().Add(-3 * time.Hour)
	os.Chtimes(stale, oldTime, oldTime)

	fresh := filepath.Join(dir, "fresh.qcow2")
	os.WriteFile(fresh, []byte("x"), 0644)

	staging := filepath.Join(dir, "leftover.qcow2.tmp")
	os.WriteFile(staging, []byte("x"), 0644)

	CleanStale(dir, 1*time.Hour)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale overlay should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh overlay should still exist")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging .tmp file should have been removed")
	}
}

func TestQcowOverlayRemoveNonexistent(t *testing.T) {
	ov := NewQcowOverlay("qemu-img")
	if err := ov.Remove(filepath.Join(t.TempDir(), "nonexistent.qcow2")); err != nil {
		t.Fatalf("remove nonexistent: %v", err)
	}
}
