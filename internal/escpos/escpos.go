// Package escpos renders compiled command sequences as raw ESC/POS bytes
package escpos

import (
	"bytes"
	"strings"

	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// ESC/POS commands
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// DefaultColumns is the character width of a 58mm printer in font A
const DefaultColumns = 32

// Encoder generates ESC/POS commands
type Encoder struct {
	buffer *bytes.Buffer
}

// NewEncoder creates a new ESC/POS encoder
func NewEncoder() *Encoder {
	return &Encoder{
		buffer: new(bytes.Buffer),
	}
}

// Initialize sends initialization command
func (e *Encoder) Initialize() {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('@')
}

// SetBold enables or disables bold text
func (e *Encoder) SetBold(enabled bool) {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('E')
	if enabled {
		e.buffer.WriteByte(1)
	} else {
		e.buffer.WriteByte(0)
	}
}

// SetAlignment sets text alignment from a justify value (L, C, R)
func (e *Encoder) SetAlignment(align string) {
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('a')

	switch align {
	case faxformat.JustifyCenter:
		e.buffer.WriteByte(1)
	case faxformat.JustifyRight:
		e.buffer.WriteByte(2)
	default:
		e.buffer.WriteByte(0)
	}
}

// WriteText writes text. Characters outside printable ASCII become '?'
// since the printer's default code page cannot show them.
func (e *Encoder) WriteText(text string) {
	for _, r := range text {
		switch {
		case r == '\n':
			e.buffer.WriteByte(LF)
		case r >= 0x20 && r < 0x7F:
			e.buffer.WriteByte(byte(r))
		default:
			e.buffer.WriteByte('?')
		}
	}
}

// LineFeed sends line feed
func (e *Encoder) LineFeed() {
	e.buffer.WriteByte(LF)
}

// Feed feeds n lines using ESC d
func (e *Encoder) Feed(lines int) {
	if lines < 0 {
		lines = 0
	}
	if lines > 255 {
		lines = 255
	}
	e.buffer.WriteByte(ESC)
	e.buffer.WriteByte('d')
	e.buffer.WriteByte(byte(lines))
}

// Divider prints a full-width dashed line
func (e *Encoder) Divider(columns int) {
	e.WriteText(strings.Repeat("-", columns))
	e.LineFeed()
}

// PartialCut sends partial cut command
func (e *Encoder) PartialCut() {
	e.buffer.WriteByte(GS)
	e.buffer.WriteByte('V')
	e.buffer.WriteByte(1)
}

// Bytes returns the generated ESC/POS commands
func (e *Encoder) Bytes() []byte {
	return e.buffer.Bytes()
}

// Options controls rendering
type Options struct {
	Columns int
	Cut     bool
}

// Render encodes a compiled sequence. Commands the printer has no
// equivalent for (unknown actions, unexpanded macros, non-objects) are
// skipped.
func Render(commands []faxformat.Command, opts Options) []byte {
	if opts.Columns <= 0 {
		opts.Columns = DefaultColumns
	}

	e := NewEncoder()
	e.Initialize()

	for _, cmd := range commands {
		switch cmd.Action {
		case faxformat.ActionBoldOn:
			e.SetBold(true)
		case faxformat.ActionBoldOff:
			e.SetBold(false)
		case faxformat.ActionJustify:
			align, _ := cmd.Text()
			e.SetAlignment(align)
		case faxformat.ActionPrint:
			if text, ok := cmd.Text(); ok {
				e.WriteText(text)
			} else if len(cmd.Value) > 0 {
				e.WriteText(string(cmd.Value))
			}
			e.LineFeed()
		case faxformat.ActionNewline:
			e.LineFeed()
		case faxformat.ActionLine:
			e.Divider(opts.Columns)
		case faxformat.ActionFeed:
			n, ok := cmd.Int()
			if !ok {
				n = 1
			}
			e.Feed(n)
		}
	}

	if opts.Cut {
		e.Feed(3)
		e.PartialCut()
	}

	return e.Bytes()
}
