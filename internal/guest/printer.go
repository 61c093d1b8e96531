package guest

import "github.com/retr0-13/kvm-fuzz/internal/abi"

// Printer reproduces the guest-side print(char) buffering primitive
// spec.md §4.4 mandates: characters batch into a fixed-size line buffer
// and flush on newline or when full. "This is the only client-side
// behavior the ABI mandates, because it defines how many Print
// hypercalls are observed for a given guest output."
//
// Write/WriteString supplement the single-character primitive with the
// hc_print(const string&)/hc_print(const char*, size_t) convenience
// overloads present in the original guest kernel but dropped by the
// distillation — both are just repeated PutChar calls over the buffering
// primitive the spec already requires.
type Printer struct {
	buf [abi.PrintLineBufferSize]byte
	n   int

	// Flush is invoked with one complete buffered line (including its
	// trailing newline, if that's what triggered the flush) every time
	// the buffer drains. Tests assert against the sequence of calls to
	// count the Print hypercalls a given guest output would generate.
	Flush func(line string)
}

// NewPrinter returns an empty Printer that calls flush on each drain.
func NewPrinter(flush func(line string)) *Printer {
	return &Printer{Flush: flush}
}

// PutChar buffers one character, flushing the line on '\n' or when the
// buffer is full.
func (p *Printer) PutChar(c byte) {
	p.buf[p.n] = c
	p.n++
	if c == '\n' || p.n == len(p.buf) {
		p.flushLocked()
	}
}

func (p *Printer) flushLocked() {
	if p.n == 0 {
		return
	}
	if p.Flush != nil {
		p.Flush(string(p.buf[:p.n]))
	}
	p.n = 0
}

// Write implements io.Writer over PutChar.
func (p *Printer) Write(b []byte) (int, error) {
	for _, c := range b {
		p.PutChar(c)
	}
	return len(b), nil
}

// WriteString is the hc_print(const string&) convenience overload.
func (p *Printer) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// FlushPending forces out any partial, unterminated line — used on
// process teardown so the last line of output isn't silently dropped.
func (p *Printer) FlushPending() {
	p.flushLocked()
}
