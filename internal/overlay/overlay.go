// Package overlay creates the per-runner copy-on-write qcow2 disk that
// backs a VM's root filesystem. The shared base image is opened read-only
// as the backing file; all guest writes land in the overlay and are
// discarded with the runner's work directory on shutdown — the foundational
// isolation guarantee described in spec §4.2.
package overlay

import "context"

// Overlay creates and removes per-runner overlay disks. Interface shape
// adapted from the teacher's internal/overlay/overlay.go (Create/Remove/
// Path); the implementation is rewritten from a tar-pipe directory copy to
// a qcow2 backing-file create, since this spec's rootfs unit is a disk
// image, not a directory tree.
type Overlay interface {
	// Create creates a new copy-on-write overlay disk at destPath, backed
	// by basePath. basePath is never opened for writing. Returns destPath.
	Create(ctx context.Context, basePath, destPath string) (string, error)

	// Remove deletes the overlay disk at path.
	Remove(path string) error
}
