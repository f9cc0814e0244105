// Package shm: POSIX adapter, grounded on mmap over a /dev/shm-backed
// file, ported from raw syscall to golang.org/x/sys/unix per DESIGN.md.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PosixAllocator creates/attaches regions under dir (default /dev/shm).
type PosixAllocator struct {
	Dir string
}

// NewPosixAllocator returns an allocator rooted at /dev/shm, the
// standard tmpfs mount for POSIX shared memory.
func NewPosixAllocator() *PosixAllocator {
	return &PosixAllocator{Dir: "/dev/shm"}
}

func (a *PosixAllocator) path(name string) string {
	dir := a.Dir
	if dir == "" {
		dir = "/dev/shm"
	}
	return dir + "/" + name
}

func (a *PosixAllocator) Create(name string, size int) (Region, error) {
	path := a.path(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &posixRegion{data: data, handle: Handle{Name: name, Size: size}}, nil
}

func (a *PosixAllocator) Attach(h Handle) (Region, error) {
	path := a.path(h.Name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, h.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &posixRegion{data: data, handle: h}, nil
}

type posixRegion struct {
	data   []byte
	handle Handle
}

func (r *posixRegion) Bytes() []byte   { return r.data }
func (r *posixRegion) Handle() Handle  { return r.handle }
func (r *posixRegion) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
