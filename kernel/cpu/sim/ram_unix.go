//go:build unix

package sim

import "golang.org/x/sys/unix"

func allocRAM(size int) ([]byte, func() error, error) {
	ram, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return ram, func() error { return unix.Munmap(ram) }, nil
}
