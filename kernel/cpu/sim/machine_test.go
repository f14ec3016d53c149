package sim

import (
	"testing"
	"unsafe"

	"vmkernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) *Machine {
	m, err := New(4 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return m
}

func TestNewRoundsUpRAMSize(t *testing.T) {
	m, err := New(mm.PageSize + 1)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 2*mm.PageSize, m.RAMSize())

	_, err = New(0)
	assert.Error(t, err)
}

func TestBootInstallsRecursiveMapping(t *testing.T) {
	m := newMachine(t)
	p4 := mm.Frame(3)
	m.Boot(p4)

	assert.Equal(t, p4.Address(), m.ActivePDT())

	phys, ok := m.Translate(mm.RecursiveP4Addr)
	require.True(t, ok)
	assert.Equal(t, p4.Address(), phys)

	// writes through the recursive address land in the P4 frame
	entry := (*uint64)(unsafe.Pointer(uintptr(m.Deref(mm.RecursiveP4Addr)) + 8))
	*entry = 0xdead000 | entryPresent
	assert.Equal(t, uint64(0xdead000|entryPresent), m.ReadPhys64(p4.Address()+8))
}

func TestWalk(t *testing.T) {
	m := newMachine(t)
	var (
		p4, p3, p2, p1 = mm.Frame(1), mm.Frame(2), mm.Frame(3), mm.Frame(4)
		target         = mm.Frame(10)
		virt           = uintptr(0x0000_0040_0060_3000)
		page           = mm.Page(virt >> mm.PageShift)
	)
	m.Boot(p4)
	m.WritePhys64(p4.Address()+page.P4Index()*8, uint64(p3.Address())|entryPresent)
	m.WritePhys64(p3.Address()+page.P3Index()*8, uint64(p2.Address())|entryPresent)
	m.WritePhys64(p2.Address()+page.P2Index()*8, uint64(p1.Address())|entryPresent)

	_, ok := m.Translate(virt)
	assert.False(t, ok, "expected translation to fail while P1 entry is missing")
	assert.PanicsWithError(t, (&PageFault{Addr: virt + 4, Level: 1, Reason: "entry not present"}).Error(), func() {
		m.Deref(virt + 4)
	})

	m.WritePhys64(p1.Address()+page.P1Index()*8, uint64(target.Address())|entryPresent)
	phys, ok := m.Translate(virt + 0x123)
	require.True(t, ok)
	assert.Equal(t, target.Address()+0x123, phys)

	*(*byte)(m.Deref(virt + 0x10)) = 0xaa
	assert.Equal(t, byte(0xaa), m.FrameBytes(target)[0x10])
}

func TestNonCanonicalAccessFaults(t *testing.T) {
	m := newMachine(t)
	m.Boot(mm.Frame(1))

	_, ok := m.Translate(0x0000_8000_0000_0000)
	assert.False(t, ok)
	assert.Panics(t, func() { m.Deref(0x0000_8000_0000_0000) })
}

func TestHugePages(t *testing.T) {
	m := newMachine(t)
	p4, p3, p2 := mm.Frame(1), mm.Frame(2), mm.Frame(3)
	m.Boot(p4)
	m.WritePhys64(p4.Address(), uint64(p3.Address())|entryPresent)

	// 1GiB page at P3[1] pointing at physical 1GiB
	m.WritePhys64(p3.Address()+8, uint64(1<<30)|entryPresent|entryHuge)
	phys, ok := m.Translate(1<<30 + 0x12345)
	require.True(t, ok)
	assert.Equal(t, uintptr(1<<30+0x12345), phys)

	// 2MiB page at P2[2] pointing at physical 4MiB
	m.WritePhys64(p3.Address(), uint64(p2.Address())|entryPresent)
	m.WritePhys64(p2.Address()+16, uint64(4<<20)|entryPresent|entryHuge)
	phys, ok = m.Translate(2<<21 + 0x1fffff)
	require.True(t, ok)
	assert.Equal(t, uintptr(4<<20+0x1fffff), phys)

	// misaligned huge frames are rejected like the hardware does
	m.WritePhys64(p2.Address()+24, uint64(4<<20+mm.PageSize)|entryPresent|entryHuge)
	_, ok = m.Translate(3 << 21)
	assert.False(t, ok)
}

func TestTLB(t *testing.T) {
	m := newMachine(t)
	p4, p3, p2, p1 := mm.Frame(1), mm.Frame(2), mm.Frame(3), mm.Frame(4)
	m.Boot(p4)
	m.WritePhys64(p4.Address(), uint64(p3.Address())|entryPresent)
	m.WritePhys64(p3.Address(), uint64(p2.Address())|entryPresent)
	m.WritePhys64(p2.Address(), uint64(p1.Address())|entryPresent)
	m.WritePhys64(p1.Address()+8, uint64(mm.Frame(20).Address())|entryPresent)
	m.WritePhys64(p1.Address()+16, uint64(mm.Frame(21).Address())|entryPresent|entryGlobal)

	m.Deref(0x1000)
	m.Deref(0x2000)
	require.True(t, m.Cached(0x1000))

	// remapping without a flush keeps serving the stale translation
	m.WritePhys64(p1.Address()+8, uint64(mm.Frame(30).Address())|entryPresent)
	assert.Equal(t, m.PhysPtr(mm.Frame(20).Address()), m.Deref(0x1000))

	m.FlushTLBEntry(0x1abc)
	assert.False(t, m.Cached(0x1000))
	assert.Equal(t, m.PhysPtr(mm.Frame(30).Address()), m.Deref(0x1000))

	// full flushes keep global entries
	m.FlushTLB()
	assert.False(t, m.Cached(0x1000))
	assert.True(t, m.Cached(0x2000))

	m.SwitchPDT(p4.Address())
	assert.True(t, m.Cached(0x2000))

	stats := m.Stats()
	assert.Equal(t, 1, stats.EntryFlushes)
	assert.Equal(t, 1, stats.FullFlushes)
	assert.Equal(t, 2, stats.Switches)
}

func TestFrameChecksum(t *testing.T) {
	m := newMachine(t)
	before := m.FrameChecksum(5)
	assert.Equal(t, before, m.FrameChecksum(6), "expected zeroed frames to share a checksum")

	m.WritePhys64(mm.Frame(5).Address()+64, 42)
	assert.NotEqual(t, before, m.FrameChecksum(5))

	m.ZeroFrame(5)
	assert.Equal(t, before, m.FrameChecksum(5))
}

func TestPhysPtrOutOfRange(t *testing.T) {
	m := newMachine(t)
	assert.Panics(t, func() { m.PhysPtr(m.RAMSize()) })
	assert.Panics(t, func() { m.FrameBytes(mm.FrameFromAddress(m.RAMSize())) })
}
