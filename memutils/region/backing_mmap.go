//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package region

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const mmapMode = "anonymous"

func (MmapBacking) Acquire(size int, alignment uint) ([]byte, error) {
	pageSize := unix.Getpagesize()
	if alignment > uint(pageSize) {
		return nil, errors.Newf("alignment %d exceeds the page size %d", alignment, pageSize)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return data, nil
}

func (MmapBacking) Release(data []byte) error {
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}
