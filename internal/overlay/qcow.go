package overlay

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// QcowOverlay implements Overlay by shelling out to qemu-img, the same
// external-collaborator pattern the teacher uses for tar in its own
// CopyOverlay. Grounded on tailscale's mkLayeredQcow
// ("qemu-img create -o backing_file=<base> <dest>.qcow2").
type QcowOverlay struct {
	qemuImgBin string
}

// NewQcowOverlay creates a QcowOverlay. qemuImgBin is the resolved path to
// the qemu-img binary (see config.FindBinary); empty means "qemu-img" is
// looked up on PATH at exec time.
func NewQcowOverlay(qemuImgBin string) *QcowOverlay {
	if qemuImgBin == "" {
		qemuImgBin = "qemu-img"
	}
	return &QcowOverlay{qemuImgBin: qemuImgBin}
}

// Create creates destPath as a qcow2 overlay backed by basePath. The base
// image is opened read-only by qemu-img/the hypervisor; Create never writes
// to it. It writes to a staging path first and renames atomically so a
// crash mid-create never leaves a partial overlay at destPath.
func (o *QcowOverlay) Create(ctx context.Context, basePath, destPath string) (string, error) {
	if basePath == "" {
		return "", fmt.Errorf("overlay: base image path is required")
	}
	if _, err := os.Stat(basePath); err != nil {
		return "", fmt.Errorf("overlay: base image %s: %w", basePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("overlay: create parent dir: %w", err)
	}

	staging := destPath + ".tmp"
	os.Remove(staging)

	cmd := exec.CommandContext(ctx, o.qemuImgBin,
		"create", "-f", "qcow2",
		"-b", basePath, "-F", "qcow2",
		staging,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("overlay: qemu-img create: %w: %s", err, stderr.String())
	}

	if err := os.Rename(staging, destPath); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("overlay: rename staging overlay: %w", err)
	}

	return destPath, nil
}

// Remove deletes the overlay disk at path.
func (o *QcowOverlay) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// CleanStale removes leftover staging files (*.tmp) from a crashed Create,
// and — for callers that place overlays under a shared directory — any
// *.qcow2 file older than maxAge. Adapted from the teacher's
// CopyOverlay.CleanStale sweep, narrowed to the file-based layout qcow2
// overlays use instead of directory trees.
func CleanStale(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		if strings.HasSuffix(name, ".tmp") {
			log.Printf("overlay GC: removing incomplete staging file %s", name)
			os.Remove(path)
			continue
		}

		if strings.HasSuffix(name, ".qcow2") {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				log.Printf("overlay GC: removing stale overlay %s (age=%v)", name, time.Since(info.ModTime()).Round(time.Minute))
				os.Remove(path)
			}
		}
	}
}
