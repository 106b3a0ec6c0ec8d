// Package virtualserial provides a fake printer link for tests: it
// answers every framed line with "ok", optionally sleeping first to
// simulate a G4 dwell, without needing real hardware attached.
//
// Grounded on the teacher's virtual.go (VirtualDownlink): the same
// idea (parse the line, honor G4's delay, otherwise answer at once)
// generalized from a Downlink implementation into a plain
// io.ReadWriter, since this module's serial boundary is a byte stream
// a reader goroutine scans, not a Downlink interface with its own
// WriteAndWaitForOK method.
package virtualserial

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/neoyarus/prusalink-rz/gcode"
)

// Simulator is an io.ReadWriter standing in for a real serial port.
// Bytes written to it are parsed as framed gcode; bytes read from it
// are the simulated printer's responses.
type Simulator struct {
	speedup float64
	pr      *io.PipeReader
	pw      *io.PipeWriter
}

// New creates a Simulator. speedup scales every G4 dwell down; 1
// means real time, higher numbers make tests run faster.
func New(speedup float64) *Simulator {
	if speedup <= 0 {
		speedup = 1
	}
	pr, pw := io.Pipe()
	return &Simulator{speedup: speedup, pr: pr, pw: pw}
}

// Read implements io.Reader, delivering the simulator's responses.
func (s *Simulator) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write implements io.Writer, receiving one framed line per call.
func (s *Simulator) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	_, message, err := gcode.ParseFramed(line)
	if err != nil {
		message = line
	}
	go s.respond(message)
	return len(p), nil
}

func (s *Simulator) respond(message string) {
	if d := s.dwellFor(message); d > 0 {
		time.Sleep(d)
	}
	fmt.Fprintln(s.pw, "ok")
}

// dwellFor returns how long a G4 line should sleep for, honoring its
// P (milliseconds) or S (seconds) parameter, scaled by speedup.
func (s *Simulator) dwellFor(message string) time.Duration {
	fields := strings.Fields(message)
	if len(fields) == 0 || fields[0] != "G4" {
		return 0
	}
	var ms float64
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			continue
		}
		switch f[0] {
		case 'P':
			ms = v
		case 'S':
			ms = v * 1000
		}
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms/s.speedup) * time.Millisecond
}
