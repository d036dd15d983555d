//go:build linux

// Package mountutil loop-mounts the private copy of the guest filesystem
// image using the containerd mount code.
package mountutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/log"
)

// DefaultFSType is the filesystem of the guest image.
const DefaultFSType = "ext4"

// Mounter mounts and unmounts the guest image.
type Mounter interface {
	Mount(ctx context.Context, image, target string) error
	Unmount(ctx context.Context, target string) error
}

// Loop mounts an image file through a loop device.
type Loop struct {
	FSType string
}

var _ Mounter = Loop{}

// Mount attaches image read-write at target, creating target if needed.
func (l Loop) Mount(ctx context.Context, image, target string) error {
	if err := os.MkdirAll(target, 0o750); err != nil {
		return err
	}

	fsType := l.FSType
	if fsType == "" {
		fsType = DefaultFSType
	}
	t := time.Now()
	am := mount.ActiveMount{
		Mount: mount.Mount{
			Type:    fsType,
			Source:  image,
			Options: []string{"loop", "rw"},
		},
		MountedAt:  &t,
		MountPoint: target,
	}
	if err := am.Mount.Mount(target); err != nil {
		log.G(ctx).WithFields(log.Fields{
			"type":    am.Type,
			"source":  am.Source,
			"target":  target,
			"options": am.Options,
		}).WithError(err).Error("mount failed")
		return fmt.Errorf("loop mount %s: %w", image, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"type":   am.Type,
		"source": am.Source,
		"target": target,
	}).Debug("mounted")
	return nil
}

// Unmount detaches everything mounted at target. A missing target or one
// that is not a mount point is not an error.
func (Loop) Unmount(ctx context.Context, target string) error {
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := mount.UnmountAll(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	log.G(ctx).WithField("target", target).Debug("unmounted")
	return nil
}
