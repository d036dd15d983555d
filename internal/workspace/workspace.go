// Package workspace stages the private copies of the kernel and guest image
// that every trial and benchmark pass runs from, and injects the guest
// payload into the image.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/guest"
	"github.com/LaynePeng/CHSnapstart/internal/iobuf"
	"github.com/LaynePeng/CHSnapstart/internal/paths"
)

// Mounter attaches the guest image copy so the payload can be written into it.
type Mounter interface {
	Mount(ctx context.Context, image, target string) error
	Unmount(ctx context.Context, target string) error
}

// Workspace is the staged private directory of one run.
type Workspace struct {
	Layout paths.Layout

	mounter Mounter

	mu      sync.Mutex
	mounted bool
	closed  bool
}

// Prepare recreates the work directory, copies the kernel and image into
// it, mounts the image copy and writes the guest payload. The source files
// are only read. In disk mode the image is unmounted again before return;
// in virtiofs mode it stays mounted for the companion to share until Close.
func Prepare(ctx context.Context, cfg *config.Config, mounter Mounter) (_ *Workspace, retErr error) {
	for _, src := range []string{cfg.Paths.Kernel, cfg.Paths.Image} {
		if _, err := os.Stat(src); err != nil {
			return nil, failure.New(failure.ErrResourceMissing, "prepare", err)
		}
	}

	files, err := guest.Render(guest.ParamsFrom(cfg))
	if err != nil {
		return nil, err
	}

	layout := paths.NewLayout(cfg.Paths)
	logger := log.G(ctx).WithField("workdir", layout.Root)

	// A previous run may have been interrupted with the image still mounted.
	if err := mounter.Unmount(ctx, layout.Mount()); err != nil {
		logger.WithError(err).Warn("failed to unmount stale workspace mount")
	}
	if err := os.RemoveAll(layout.Root); err != nil {
		return nil, fmt.Errorf("clear workspace: %w", err)
	}
	for _, dir := range []string{layout.Root, layout.Mount(), layout.Snapshots()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	logger.Info("copying kernel and guest image")
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return copyFile(egCtx, cfg.Paths.Kernel, layout.Kernel()) })
	eg.Go(func() error { return copyFile(egCtx, cfg.Paths.Image, layout.Image()) })
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := mounter.Mount(ctx, layout.Image(), layout.Mount()); err != nil {
		return nil, failure.New(failure.ErrMount, "prepare", err)
	}
	w := &Workspace{Layout: layout, mounter: mounter, mounted: true}
	defer func() {
		if retErr != nil {
			if err := w.Close(ctx); err != nil {
				logger.WithError(err).Warn("failed to close workspace after prepare failure")
			}
		}
	}()

	if err := inject(layout.Mount(), files); err != nil {
		return nil, err
	}

	if !cfg.VM.UsesCompanion() {
		if err := w.unmount(ctx); err != nil {
			return nil, failure.New(failure.ErrMount, "prepare", err)
		}
	}

	logger.WithField("mounted", w.Mounted()).Info("workspace prepared")
	return w, nil
}

// Mounted reports whether the image copy is currently mounted.
func (w *Workspace) Mounted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mounted
}

// ResetSnapshotDir empties the snapshot directory of a strategy and returns
// its path. cloud-hypervisor refuses to snapshot into a non-empty directory.
func (w *Workspace) ResetSnapshotDir(strategy string) (string, error) {
	dir := w.Layout.SnapshotDir(strategy)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear snapshot directory: %w", err)
	}
	return dir, nil
}

// Close unmounts the image copy. The staged files are kept for inspection.
// Calling Close again is a no-op.
func (w *Workspace) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	return w.unmount(ctx)
}

func (w *Workspace) unmount(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mounted {
		return nil
	}
	if err := w.mounter.Unmount(ctx, w.Layout.Mount()); err != nil {
		return err
	}
	w.mounted = false
	return nil
}

// inject writes the payload under root. Modes are applied explicitly so
// the umask cannot drop the executable bit of the init script.
func inject(root string, files []guest.File) error {
	for _, f := range files {
		dst := filepath.Join(root, filepath.Clean("/"+f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("inject %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Data, f.Mode); err != nil {
			return fmt.Errorf("inject %s: %w", f.Path, err)
		}
		if err := os.Chmod(dst, f.Mode); err != nil {
			return fmt.Errorf("inject %s: %w", f.Path, err)
		}
	}
	return nil
}

// copyFile copies src to dst, stopping early if ctx is canceled.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failure.New(failure.ErrResourceMissing, "copy", err)
		}
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = iobuf.Copy(ctx, out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
