// Package gcode implements the checksummed/line-numbered wire framing
// used by the Marlin serial protocol. It does not interpret G/M-code
// semantics; streaming and framing lines is all the core needs.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
)

// framedLineRegexp matches "N<lineno> <message>*<checksum>".
var framedLineRegexp = regexp.MustCompile(`^N(\d+) (.*)\*(\d+)$`)

// AddLineAndHash takes a gcode command, such as "G28 Z0 F150", and
// wraps it in the defensive form that includes the desired line
// number and a checksum, e.g. "N9 G28 Z0 F150*2".
func AddLineAndHash(lineno int, message string) string {
	str := fmt.Sprintf("N%d %s", lineno, message)
	return fmt.Sprintf("%s*%d", str, checksum(str))
}

func checksum(str string) byte {
	var sum byte
	for i := 0; i < len(str); i++ {
		sum ^= str[i]
	}
	return sum
}

// ParseFramed parses the output of AddLineAndHash, recovering the
// original message and verifying the trailing checksum. It is the
// inverse used by the round-trip tests and by fake printer links
// (virtualserial, test fixtures) to recover the message from what the
// queue put on the wire.
func ParseFramed(framed string) (lineno int, message string, err error) {
	m := framedLineRegexp.FindStringSubmatch(framed)
	if m == nil {
		return 0, "", fmt.Errorf("gcode: %q is not a framed line", framed)
	}
	lineno64, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("gcode: invalid line number in %q: %w", framed, err)
	}
	wantSum, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("gcode: invalid checksum in %q: %w", framed, err)
	}
	unchecked := fmt.Sprintf("N%d %s", lineno64, m[2])
	if byte(wantSum) != checksum(unchecked) {
		return 0, "", fmt.Errorf("gcode: checksum mismatch in %q: want %d, got %d", framed, checksum(unchecked), wantSum)
	}
	return int(lineno64), m[2], nil
}
