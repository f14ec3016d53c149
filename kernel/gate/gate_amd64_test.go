package gate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatch(t *testing.T) {
	defer func() { gates = [256]gateEntry{} }()

	assert.False(t, Dispatch(PageFaultException, &Registers{}), "expected no handler to be installed")

	var seen []uint64
	HandleInterrupt(PageFaultException, 0, func(regs *Registers) { seen = append(seen, regs.Info) })
	HandleInterrupt(GPFException, 1, func(regs *Registers) { seen = append(seen, 100+regs.Info) })

	assert.True(t, Dispatch(PageFaultException, &Registers{Info: 2}))
	assert.True(t, Dispatch(GPFException, &Registers{Info: 3}))
	assert.False(t, Dispatch(DoubleFault, &Registers{}))
	assert.Equal(t, []uint64{2, 103}, seen)
	assert.Equal(t, uint8(1), gates[GPFException].istOffset)
}

func TestRegistersDumpTo(t *testing.T) {
	var buf bytes.Buffer
	regs := Registers{RAX: 0xdead, R15: 0x1, RIP: 0xffffff0000101000, RFlags: 0x202}
	regs.DumpTo(&buf)

	out := buf.String()
	assert.Contains(t, out, "RAX = 000000000000dead RBX = 0000000000000000\n")
	assert.Contains(t, out, "R14 = 0000000000000000 R15 = 0000000000000001\n")
	assert.Contains(t, out, "RIP = ffffff0000101000")
	assert.Contains(t, out, "RFL = 0000000000000202\n")
}
