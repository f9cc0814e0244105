package shm

import "fmt"

// MemoryAllocator backs regions with plain heap byte slices shared by
// name within the process. It implements the same Allocator contract as
// PosixAllocator without requiring /dev/shm, for tests and for two
// in-process peers that want a real shared-memory handshake without a
// real OS mapping.
type MemoryAllocator struct {
	regions map[string][]byte
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{regions: make(map[string][]byte)}
}

func (a *MemoryAllocator) Create(name string, size int) (Region, error) {
	if _, exists := a.regions[name]; exists {
		return nil, fmt.Errorf("shm: region %q already exists", name)
	}
	buf := make([]byte, size)
	a.regions[name] = buf
	return &memoryRegion{data: buf, handle: Handle{Name: name, Size: size}}, nil
}

func (a *MemoryAllocator) Attach(h Handle) (Region, error) {
	buf, ok := a.regions[h.Name]
	if !ok {
		return nil, fmt.Errorf("shm: no such region %q", h.Name)
	}
	return &memoryRegion{data: buf, handle: h}, nil
}

type memoryRegion struct {
	data   []byte
	handle Handle
}

func (r *memoryRegion) Bytes() []byte  { return r.data }
func (r *memoryRegion) Handle() Handle { return r.handle }
func (r *memoryRegion) Close() error   { return nil }
