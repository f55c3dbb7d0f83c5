package storage

import (
	"context"
	"os"
	"path/filepath"
)

// Disk is a Backend rooted at a local directory.
type Disk struct {
	root string
}

// NewDisk creates a Disk backend. The root is created lazily by the first
// MkdirAll.
func NewDisk(root string) *Disk {
	return &Disk{root: root}
}

// Root returns the directory the backend writes under.
func (d *Disk) Root() string {
	return d.root
}

// LocalRoot reports the local directory records are written under. It is
// false for backends that do not write to the local filesystem.
func LocalRoot(b Backend) (string, bool) {
	d, ok := b.(*Disk)
	if !ok {
		return "", false
	}
	return d.Root(), true
}

// MkdirAll creates dir and its parents. An existing directory is not an error.
func (d *Disk) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(d.path(dir), 0o755)
}

// WriteFile creates or truncates name and writes data to it.
func (d *Disk) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(d.path(name), data, 0o644)
}

// Name returns the backend name.
func (d *Disk) Name() string {
	return "disk"
}

func (d *Disk) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}
