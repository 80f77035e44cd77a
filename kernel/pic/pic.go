// Package pic drives the 8259 programmable interrupt controller pair: IRQ
// remapping away from the CPU exception vectors, per-line masking and
// end-of-interrupt signaling.
package pic

import "github.com/devyn/kit/kernel/cpu"

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	cmdReadIRR = 0x0a
	cmdReadISR = 0x0b
	cmdEOI     = 0x20

	icw1Init    = 0x10
	icw1ICW4    = 0x01
	icw4Mode8086 = 0x01
)

// Remap reprograms both PICs so IRQ 0..7 land at masterVector..masterVector+7
// and IRQ 8..15 at slaveVector..slaveVector+7, clear of the CPU's own exception
// vectors 0..31. The existing interrupt masks are preserved across the
// remap.
func Remap(masterVector, slaveVector uint8) {
	masterMask := cpu.InB(masterData)
	slaveMask := cpu.InB(slaveData)

	cpu.OutB(masterCommand, icw1Init|icw1ICW4)
	cpu.OutB(slaveCommand, icw1Init|icw1ICW4)

	cpu.OutB(masterData, masterVector)
	cpu.OutB(slaveData, slaveVector)

	cpu.OutB(masterData, 0x4) // IRQ2: cascade line to slave
	cpu.OutB(slaveData, 0x2)  // slave's cascade identity

	cpu.OutB(masterData, icw4Mode8086)
	cpu.OutB(slaveData, icw4Mode8086)

	cpu.OutB(masterData, masterMask)
	cpu.OutB(slaveData, slaveMask)
}

// SetAllMasked masks or unmasks every IRQ line on both PICs.
func SetAllMasked(masked bool) {
	var v uint8
	if masked {
		v = 0xff
	}
	cpu.OutB(masterData, v)
	cpu.OutB(slaveData, v)
}

// SetMasked masks or unmasks a single IRQ line (0..15).
func SetMasked(irq uint8, masked bool) {
	port := uint16(masterData)
	if irq >= 8 {
		port = slaveData
		irq -= 8
	}

	value := cpu.InB(port)
	if masked {
		value |= 1 << irq
	} else {
		value &^= 1 << irq
	}
	cpu.OutB(port, value)
}

// irqRegister reads the IRR or ISR (selected by ocw3) from both PICs and
// concatenates them into a single 16-bit mask.
func irqRegister(ocw3 uint8) uint16 {
	cpu.OutB(masterCommand, ocw3)
	cpu.OutB(slaveCommand, ocw3)
	return uint16(cpu.InB(slaveCommand))<<8 | uint16(cpu.InB(masterCommand))
}

// IRR returns the interrupt request register of both PICs.
func IRR() uint16 { return irqRegister(cmdReadIRR) }

// ISR returns the in-service register of both PICs.
func ISR() uint16 { return irqRegister(cmdReadISR) }

// SendMasterEOI acknowledges an IRQ handled on the master PIC (lines 0..7).
func SendMasterEOI() {
	cpu.OutB(masterCommand, cmdEOI)
}

// SendSlaveEOI acknowledges an IRQ handled on the slave PIC (lines 8..15);
// the cascade also requires a master EOI.
func SendSlaveEOI() {
	cpu.OutB(slaveCommand, cmdEOI)
	SendMasterEOI()
}
