// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vfs exposes a mirrored directory tree as a billy filesystem that
// reports completed writes, removals and renames to a Notifier. Every other
// operation is delegated unchanged to the underlying filesystem.
package vfs

import (
	"os"
	"path/filepath"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"
)

// Notifier receives filesystem events with absolute host paths. Calls are
// synchronous and must not fail the filesystem operation. The path given to
// OnFileRemoved may be a directory, in which case everything below it is
// gone too.
type Notifier interface {
	OnFileClosedAfterWrite(path string)
	OnFileRemoved(path string)
	OnFileRenamed(from, to string)
}

// NotifyFS is a passthrough billy.Filesystem over a host directory.
type NotifyFS struct {
	billy.Filesystem
	root     string
	onHost   bool
	notifier Notifier
	log      log.FieldLogger
}

// New mirrors the host directory root. Events are sent to notifier.
func New(root string, notifier Notifier, logger log.FieldLogger) (*NotifyFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "mirror", Path: abs, Err: os.ErrInvalid}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	fs := Wrap(osfs.New(abs), abs, notifier, logger)
	fs.onHost = true
	return fs, nil
}

// Wrap decorates an existing filesystem whose root corresponds to the host
// directory hostRoot.
func Wrap(fs billy.Filesystem, hostRoot string, notifier Notifier, logger log.FieldLogger) *NotifyFS {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NotifyFS{Filesystem: fs, root: hostRoot, notifier: notifier, log: logger}
}

// HostPath maps a filesystem path to its absolute host path.
func (n *NotifyFS) HostPath(name string) string {
	return filepath.Join(n.root, filepath.FromSlash(filepath.Clean("/"+name)))
}

func (n *NotifyFS) Create(filename string) (billy.File, error) {
	return n.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0666)
}

func (n *NotifyFS) Open(filename string) (billy.File, error) {
	return n.OpenFile(filename, os.O_RDONLY, 0)
}

func (n *NotifyFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := n.Filesystem.OpenFile(filename, flag, perm)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return f, nil
	}
	return &notifyFile{
		File:  f,
		fs:    n,
		host:  n.HostPath(filename),
		dirty: flag&os.O_TRUNC != 0,
	}, nil
}

func (n *NotifyFS) TempFile(dir, prefix string) (billy.File, error) {
	f, err := n.Filesystem.TempFile(dir, prefix)
	if err != nil {
		return nil, err
	}
	return &notifyFile{File: f, fs: n, host: n.HostPath(f.Name()), dirty: true}, nil
}

func (n *NotifyFS) Rename(oldpath, newpath string) error {
	if err := n.Filesystem.Rename(oldpath, newpath); err != nil {
		return err
	}
	from, to := n.HostPath(oldpath), n.HostPath(newpath)
	n.log.Debugf("[NotifyFS] rename %s -> %s", from, to)
	if n.notifier != nil {
		n.notifier.OnFileRenamed(from, to)
	}
	return nil
}

func (n *NotifyFS) Remove(filename string) error {
	if err := n.Filesystem.Remove(filename); err != nil {
		return err
	}
	host := n.HostPath(filename)
	n.log.Debugf("[NotifyFS] remove %s", host)
	if n.notifier != nil {
		n.notifier.OnFileRemoved(host)
	}
	return nil
}

func (n *NotifyFS) Chroot(path string) (billy.Filesystem, error) {
	sub, err := n.Filesystem.Chroot(path)
	if err != nil {
		return nil, err
	}
	wrapped := Wrap(sub, n.HostPath(path), n.notifier, n.log)
	wrapped.onHost = n.onHost
	return wrapped, nil
}

// billy.Change interface. Filesystems mirroring the host fall back to the
// os package when the underlying billy filesystem lacks the operation.

func (n *NotifyFS) change() billy.Change {
	c, _ := n.Filesystem.(billy.Change)
	return c
}

func (n *NotifyFS) Chmod(name string, mode os.FileMode) error {
	if c := n.change(); c != nil {
		return c.Chmod(name, mode)
	}
	if n.onHost {
		return os.Chmod(n.HostPath(name), mode)
	}
	return billy.ErrNotSupported
}

func (n *NotifyFS) Lchown(name string, uid, gid int) error {
	if c := n.change(); c != nil {
		return c.Lchown(name, uid, gid)
	}
	if n.onHost {
		return os.Lchown(n.HostPath(name), uid, gid)
	}
	return billy.ErrNotSupported
}

func (n *NotifyFS) Chown(name string, uid, gid int) error {
	if c := n.change(); c != nil {
		return c.Chown(name, uid, gid)
	}
	if n.onHost {
		return os.Chown(n.HostPath(name), uid, gid)
	}
	return billy.ErrNotSupported
}

func (n *NotifyFS) Chtimes(name string, atime, mtime time.Time) error {
	if c := n.change(); c != nil {
		return c.Chtimes(name, atime, mtime)
	}
	if n.onHost {
		return os.Chtimes(n.HostPath(name), atime, mtime)
	}
	return billy.ErrNotSupported
}

func (n *NotifyFS) Capabilities() billy.Capability {
	return billy.Capabilities(n.Filesystem)
}

// notifyFile reports a close after any write or truncate.
type notifyFile struct {
	billy.File
	fs    *NotifyFS
	host  string
	dirty bool
}

func (f *notifyFile) Write(p []byte) (int, error) {
	n, err := f.File.Write(p)
	if n > 0 {
		f.dirty = true
	}
	return n, err
}

func (f *notifyFile) Truncate(size int64) error {
	err := f.File.Truncate(size)
	if err == nil {
		f.dirty = true
	}
	return err
}

func (f *notifyFile) Close() error {
	err := f.File.Close()
	if err != nil || !f.dirty || f.fs.notifier == nil {
		return err
	}
	f.fs.log.Debugf("[NotifyFS] closed after write %s", f.host)
	f.fs.notifier.OnFileClosedAfterWrite(f.host)
	return nil
}

var (
	_ billy.Filesystem = (*NotifyFS)(nil)
	_ billy.Change     = (*NotifyFS)(nil)
	_ billy.Capable    = (*NotifyFS)(nil)
	_ billy.File       = (*notifyFile)(nil)
)
