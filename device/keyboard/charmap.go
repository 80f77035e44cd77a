package keyboard

// qwertyMap and qwertyShiftMap translate a kit-internal keycode
// ((row<<5)+column, see scancodeMap) to the character it produces, 0 if the
// key has none. Indexed identically to keyboard_qwerty_char_map and
// keyboard_qwerty_char_shift_map.
var qwertyMap = buildCharMap(false)
var qwertyShiftMap = buildCharMap(true)

type keyChar struct {
	row, col  int
	unshifted byte
	shifted   byte
}

var printableKeys = []keyChar{
	{1, 0, '`', '~'},
	{1, 1, '1', '!'},
	{1, 2, '2', '@'},
	{1, 3, '3', '#'},
	{1, 4, '4', '$'},
	{1, 5, '5', '%'},
	{1, 6, '6', '^'},
	{1, 7, '7', '&'},
	{1, 8, '8', '*'},
	{1, 9, '9', '('},
	{1, 10, '0', ')'},
	{1, 11, '-', '_'},
	{1, 12, '=', '+'},
	{1, 13, '\b', '\b'},
	{2, 1, 'q', 'Q'},
	{2, 2, 'w', 'W'},
	{2, 3, 'e', 'E'},
	{2, 4, 'r', 'R'},
	{2, 5, 't', 'T'},
	{2, 6, 'y', 'Y'},
	{2, 7, 'u', 'U'},
	{2, 8, 'i', 'I'},
	{2, 9, 'o', 'O'},
	{2, 10, 'p', 'P'},
	{2, 11, '[', '{'},
	{2, 12, ']', '}'},
	{2, 13, '\\', '|'},
	{3, 1, 'a', 'A'},
	{3, 2, 's', 'S'},
	{3, 3, 'd', 'D'},
	{3, 4, 'f', 'F'},
	{3, 5, 'g', 'G'},
	{3, 6, 'h', 'H'},
	{3, 7, 'j', 'J'},
	{3, 8, 'k', 'K'},
	{3, 9, 'l', 'L'},
	{3, 10, ';', ':'},
	{3, 11, '\'', '"'},
	{3, 12, '\n', '\n'},
	{4, 1, 'z', 'Z'},
	{4, 2, 'x', 'X'},
	{4, 3, 'c', 'C'},
	{4, 4, 'v', 'V'},
	{4, 5, 'b', 'B'},
	{4, 6, 'n', 'N'},
	{4, 7, 'm', 'M'},
	{4, 8, ',', '<'},
	{4, 9, '.', '>'},
	{4, 10, '/', '?'},
	{5, 3, ' ', ' '},
}

func buildCharMap(shifted bool) [256]byte {
	var m [256]byte
	for _, k := range printableKeys {
		code := byte((k.row << 5) + k.col)
		if shifted {
			m[code] = k.shifted
		} else {
			m[code] = k.unshifted
		}
	}
	return m
}
