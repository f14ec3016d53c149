// Command vmmsim boots the kernel memory management code on a simulated
// machine and reports the resulting address space.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"vmkernel/kernel/cpu/sim"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/kmain"
	"vmkernel/kernel/mm"
	"vmkernel/multiboot"

	"github.com/lmittmann/tint"
)

// bootP4Frame is the frame that holds the page tables set up by the boot
// code. It lives inside the kernel's .bss section.
const bootP4Frame = mm.Frame(0x106)

var (
	ramMiB    = flag.Uint("ram", 16, "size of the simulated physical memory in MiB")
	heapPages = flag.Uint("heap-pages", 64, "number of kernel heap pages to map at boot; 0 maps the whole heap region")
	stacks    = flag.Uint("stacks", 2, "number of kernel stacks to allocate after boot")
	stackSize = flag.Uint("stack-pages", 4, "size of each kernel stack in pages")
	logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	if err := run(); err != nil {
		slog.Error("vmmsim", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ramSize := uintptr(*ramMiB) << 20
	if ramSize < 4<<20 {
		return fmt.Errorf("at least 4 MiB of ram are required; got %d MiB", *ramMiB)
	}

	kfmt.SetOutputSink(newLogWriter(slog.Default()))
	defer kfmt.SetOutputSink(nil)

	m, err := sim.New(ramSize)
	if err != nil {
		return err
	}
	defer m.Close()
	m.Boot(bootP4Frame)

	var b multiboot.Builder
	info := bootInfo(&b, ramSize)
	defer runtime.KeepAlive(&b)

	infoStart, _ := info.Range()
	ctx, kerr := kmain.Boot(m, infoStart, 0, 0)
	if kerr != nil {
		return kerr
	}

	for index := uint(0); index < *stacks; index++ {
		top, kerr := ctx.AllocStack(uintptr(*stackSize))
		if kerr != nil {
			return kerr
		}

		// touch the lowest stack word so the walk goes through the new tables
		*(*uint64)(ctx.Deref(top - uintptr(*stackSize)*mm.PageSize)) = uint64(index)
		slog.Info("allocated stack", "top", fmt.Sprintf("%#x", top), "pages", *stackSize)
	}

	*(*uint64)(ctx.Deref(mm.KernelHeapStart)) = 0xdeadbeef
	phys, kerr := ctx.Translate(mm.KernelHeapStart)
	if kerr != nil {
		return kerr
	}
	slog.Info("heap write", "virt", fmt.Sprintf("%#x", mm.KernelHeapStart), "phys", fmt.Sprintf("%#x", phys), "value", fmt.Sprintf("%#x", m.ReadPhys64(phys)))

	p4 := ctx.ActiveTable().P4Frame()
	stats := m.Stats()
	slog.Info("address space ready",
		"p4", fmt.Sprintf("%#x", p4.Address()),
		"p4_checksum", fmt.Sprintf("%016x", m.FrameChecksum(p4)),
		"walks", stats.Walks,
		"entry_flushes", stats.EntryFlushes,
		"full_flushes", stats.FullFlushes,
		"switches", stats.Switches,
	)

	return nil
}

// bootInfo assembles the boot information that a multiboot loader would pass
// to the kernel on a machine with ramSize bytes of memory.
func bootInfo(b *multiboot.Builder, ramSize uintptr) multiboot.Info {
	return b.AddMemoryMap(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		multiboot.MemoryMapEntry{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: uint64(ramSize - 0x100000), Type: multiboot.MemAvailable},
	).AddElfSections(
		multiboot.ElfSection{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: mm.KernelOffset + 0x100000, Size: 0x4000},
		multiboot.ElfSection{Name: ".rodata", Flags: multiboot.ElfSectionAllocated, Address: mm.KernelOffset + 0x104000, Size: 0x1000},
		multiboot.ElfSection{Name: ".bss", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: mm.KernelOffset + 0x105000, Size: 0x8000},
	).AddCmdLine(fmt.Sprintf("vmm.heap_pages=%d", *heapPages)).Build()
}
