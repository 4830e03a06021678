package serial

import (
	"io"
	"log"
	"os"
)

// consoleWriter drives bytes through a Serial's THR register one at a
// time, the same path a guest's own UART writes take, so a kernel panic
// trace appears on a serial console exactly like any other output.
type consoleWriter struct {
	s *Serial
}

func (w consoleWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := w.s.Out(COM1Addr, []byte{b}); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// NewKlog builds the panic/fatal logger every kernel-level failure path
// writes to: stdout standing in for the GOP console, plus the serial
// console reachable over the emulated UART, matching "stack trace printed
// to the GOP console and serial" from a hard kernel failure.
func NewKlog(s *Serial) *log.Logger {
	var w io.Writer = os.Stdout

	if s != nil {
		w = io.MultiWriter(os.Stdout, consoleWriter{s: s})
	}

	return log.New(w, "kpanic: ", log.LstdFlags|log.Lmicroseconds)
}
