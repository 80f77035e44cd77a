package keyboard

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
)

const (
	dataPort    = 0x60
	commandPort = 0x64
)

const (
	cmdDisableFirst  = 0xad
	cmdDisableSecond = 0xa7
	cmdReadConfig    = 0x20
	cmdWriteConfig   = 0x60
	cmdSelfTest      = 0xaa
	cmdTestFirst     = 0xab
	cmdEnableFirst   = 0xae
	deviceReset      = 0xff
)

const (
	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1
)

const (
	configFirstIRQEnabled  = 1 << 0
	configFirstTranslation = 1 << 6
)

var (
	errSelfTestFailed  = &kernel.Error{Module: "keyboard", Message: "8042 controller self-test failed"}
	errInterfaceFailed = &kernel.Error{Module: "keyboard", Message: "8042 interface test failed on channel 1"}
	errNoDevice        = &kernel.Error{Module: "keyboard", Message: "no PS/2 device found on channel 1"}
	errResetFailed     = &kernel.Error{Module: "keyboard", Message: "PS/2 device reset failed"}
)

func readStatus() byte { return cpu.InB(commandPort) }

func waitForInput() bool {
	for timeout := 400000; timeout > 0; timeout-- {
		if readStatus()&statusInputFull == 0 {
			return true
		}
	}
	return false
}

func waitForOutput() bool {
	for timeout := 400000; timeout > 0; timeout-- {
		if readStatus()&statusOutputFull != 0 {
			return true
		}
	}
	return false
}

func sendCommand(cmd byte) {
	waitForInput()
	cpu.OutB(commandPort, cmd)
}

func readData() byte {
	return cpu.InB(dataPort)
}

func writeData(data byte) {
	waitForInput()
	cpu.OutB(dataPort, data)
}

func readConfig() byte {
	sendCommand(cmdReadConfig)
	waitForOutput()
	return readData()
}

func writeConfig(config byte) {
	sendCommand(cmdWriteConfig)
	writeData(config)
	waitForInput()
}

// Init brings up the 8042 controller and its first PS/2 channel: disables
// both channels, flushes stale output, disables scancode translation,
// self-tests the controller and channel 1, resets the keyboard and enables
// its IRQ. Callers must disable interrupts first.
func Init() *kernel.Error {
	sendCommand(cmdDisableFirst)
	sendCommand(cmdDisableSecond)

	readData() // flush

	config := readConfig()
	config &^= configFirstIRQEnabled
	config &^= configFirstTranslation
	writeConfig(config)

	sendCommand(cmdSelfTest)
	if !waitForOutput() || readData() != 0x55 {
		return errSelfTestFailed
	}

	sendCommand(cmdTestFirst)
	if !waitForOutput() || readData() != 0x00 {
		return errInterfaceFailed
	}

	sendCommand(cmdEnableFirst)
	writeData(deviceReset)

	if !waitForOutput() || readData() != 0xfa {
		return errResetFailed
	}
	if !waitForOutput() || readData() != 0xaa {
		return errResetFailed
	}

	config = readConfig()
	config |= configFirstIRQEnabled
	writeConfig(config)

	return nil
}

// HandleIRQ1 services the keyboard IRQ: reads the pending scancode byte and
// feeds it to the scancode state machine.
func HandleIRQ1() {
	HandleScancode(readData())
}
