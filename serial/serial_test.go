package serial_test

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/kvmkernel/kernel/serial"
)

func TestOutputWriter(t *testing.T) {
	t.Parallel()

	s := serial.New()

	var buf bytes.Buffer

	s.SetOutput(&buf)

	// THR write (port 0, dlab=0) outputs the byte.
	if err := s.Out(serial.COM1Addr, []byte{'A'}); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "A" {
		t.Fatalf("SetOutput: got %q, want %q", got, "A")
	}
}

func TestOutWritesMultipleBytesInSequence(t *testing.T) {
	t.Parallel()

	s := serial.New()

	var buf bytes.Buffer
	s.SetOutput(&buf)

	for _, b := range []byte("hello") {
		if err := s.Out(serial.COM1Addr, []byte{b}); err != nil {
			t.Fatal(err)
		}
	}

	if got := buf.String(); got != "hello" {
		t.Errorf("sequential Out writes = %q, want %q", got, "hello")
	}
}

func TestOutTracksLCRAndIERRegisters(t *testing.T) {
	t.Parallel()

	s := serial.New()

	if err := s.Out(serial.COM1Addr+3, []byte{0x03}); err != nil {
		t.Fatal(err)
	}

	if s.LCR != 0x03 {
		t.Errorf("LCR after Out(port 3) = %#x, want 0x03", s.LCR)
	}

	if err := s.Out(serial.COM1Addr+1, []byte{0x01}); err != nil {
		t.Fatal(err)
	}

	if s.IER != 0x01 {
		t.Errorf("IER after Out(port 1) = %#x, want 0x01", s.IER)
	}
}

func TestOutputToPipe(t *testing.T) {
	t.Parallel()

	s := serial.New()

	// Redirect output to a pipe and check that a THR write reaches it.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	s.SetOutput(w)

	if err := s.Out(serial.COM1Addr, []byte{'B'}); err != nil {
		t.Fatal(err)
	}

	w.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "B" {
		t.Fatalf("pipe output: got %q, want %q",
			got, "B")
	}
}
