package keyboard

// scancodeMap translates a scancode-set-2 byte (with the 0xE0/0xF0/0xE1
// prefixes stripped, see HandleScancode) into a kit-internal keycode:
// (row<<5)+column. noKeycode marks scancodes with no assigned keycode.
var scancodeMap = [128]byte{
	0x01: (0 << 5) + 9,  // F9
	0x02: (0 << 5) + 7,  // F7
	0x03: (0 << 5) + 5,  // F5
	0x04: (0 << 5) + 3,  // F3
	0x05: (0 << 5) + 1,  // F1
	0x06: (0 << 5) + 2,  // F2
	0x07: (0 << 5) + 12, // F12
	0x09: (0 << 5) + 10, // F10
	0x0A: (0 << 5) + 8,  // F8
	0x0B: (0 << 5) + 6,  // F6
	0x0C: (0 << 5) + 4,  // F4
	0x0E: (1 << 5) + 0,  // `
	0x11: (5 << 5) + 2,  // left alt
	0x12: (4 << 5) + 0,  // left shift
	0x14: (5 << 5) + 0,  // left control
	0x15: (2 << 5) + 1,  // q
	0x16: (1 << 5) + 1,  // 1
	0x1A: (4 << 5) + 1,  // z
	0x1B: (3 << 5) + 2,  // s
	0x1C: (3 << 5) + 1,  // a
	0x1D: (2 << 5) + 2,  // w
	0x1E: (1 << 5) + 2,  // 2
	0x21: (4 << 5) + 3,  // c
	0x22: (4 << 5) + 2,  // x
	0x23: (3 << 5) + 3,  // d
	0x24: (2 << 5) + 3,  // e
	0x25: (1 << 5) + 4,  // 4
	0x26: (1 << 5) + 3,  // 3
	0x29: (5 << 5) + 3,  // space
	0x2A: (4 << 5) + 4,  // v
	0x2B: (3 << 5) + 4,  // f
	0x2C: (2 << 5) + 5,  // t
	0x2D: (2 << 5) + 4,  // r
	0x2E: (1 << 5) + 5,  // 5
	0x31: (4 << 5) + 6,  // n
	0x32: (4 << 5) + 5,  // b
	0x33: (3 << 5) + 6,  // h
	0x34: (3 << 5) + 5,  // g
	0x35: (2 << 5) + 6,  // y
	0x36: (1 << 5) + 6,  // 6
	0x3A: (4 << 5) + 7,  // m
	0x3B: (3 << 5) + 7,  // j
	0x3C: (2 << 5) + 7,  // u
	0x3D: (1 << 5) + 7,  // 7
	0x3E: (1 << 5) + 8,  // 8
	0x41: (4 << 5) + 8,  // ,
	0x42: (3 << 5) + 8,  // k
	0x43: (2 << 5) + 8,  // i
	0x44: (2 << 5) + 9,  // o
	0x45: (1 << 5) + 10, // 0
	0x46: (1 << 5) + 9,  // 9
	0x49: (4 << 5) + 9,  // .
	0x4A: (4 << 5) + 10, // /
	0x4B: (3 << 5) + 9,  // l
	0x4C: (3 << 5) + 10, // ;
	0x4D: (2 << 5) + 10, // p
	0x4E: (1 << 5) + 11, // -
	0x52: (3 << 5) + 11, // '
	0x54: (2 << 5) + 11, // [
	0x55: (1 << 5) + 12, // =
	0x59: (4 << 5) + 11, // right shift
	0x5A: (3 << 5) + 12, // enter
	0x5B: (2 << 5) + 12, // ]
	0x5D: (2 << 5) + 13, // backslash
	0x66: (1 << 5) + 13, // backspace
	0x76: (0 << 5) + 0,  // escape
	0x78: (0 << 5) + 11, // F11
}

const noKeycode = 0xfe

func init() {
	// Entries not listed above are zero, which is escape's keycode; mark
	// them as unassigned instead.
	for code, keycode := range scancodeMap {
		if keycode == 0 && code != 0x76 {
			scancodeMap[code] = noKeycode
		}
	}
}

type scanState uint8

const (
	stateDefault scanState = iota
	stateExtendDefault
	stateRelease
	stateExtendRelease
	statePause
)

var (
	state          scanState
	specialCounter int
)

// HandleScancode feeds one raw scancode-set-2 byte, as read off the 8042
// data port, through the prefix/release state machine and dispatches a
// keypress or keyrelease once a complete code has been recognized.
func HandleScancode(data byte) {
	switch state {
	case stateDefault:
		switch data {
		case 0xf0:
			state = stateRelease
		case 0xe0:
			state = stateExtendDefault
		case 0xe1:
			state = statePause
			specialCounter = 7
		default:
			handleKeypress(scancodeMap[data])
		}

	case stateExtendDefault:
		if data == 0xf0 {
			state = stateExtendRelease
		} else {
			state = stateDefault
			handleKeypress(noKeycode)
		}

	case stateRelease:
		state = stateDefault
		handleKeyrelease(scancodeMap[data])

	case stateExtendRelease:
		state = stateDefault
		handleKeyrelease(noKeycode)

	case statePause:
		specialCounter--
		if specialCounter <= 0 {
			state = stateDefault
		}
	}
}
