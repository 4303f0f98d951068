package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/bringup/internal/asm"
)

// Context collects text, the 64-bit literal pool and the fixups that are
// resolved once the layout is final.
type Context struct {
	text     []byte
	pool     []byte
	pooled   map[uint64]int
	labels   map[asm.Label]int
	literals []fixup
	branches []fixup
}

type fixup struct {
	pos    int
	label  asm.Label
	offset int
}

// EmitProgram assembles fragment. Literals are placed after the code on
// an 8-byte boundary.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	if fragment == nil {
		return asm.Program{}, fmt.Errorf("arm64 asm: fragment is nil")
	}
	c := &Context{
		pooled: make(map[uint64]int),
		labels: make(map[asm.Label]int),
	}
	if err := fragment.Emit(c); err != nil {
		return asm.Program{}, err
	}
	return c.finish()
}

func requireContext(ctx asm.Context) (*Context, error) {
	if c, ok := ctx.(*Context); ok {
		return c, nil
	}
	return nil, fmt.Errorf("arm64 asm: unsupported context %T", ctx)
}

func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) pc() int { return len(c.text) }

func (c *Context) emit32(word uint32) int {
	pos := len(c.text)
	c.text = binary.LittleEndian.AppendUint32(c.text, word)
	return pos
}

// literal interns value and returns its offset in the pool.
func (c *Context) literal(value uint64) int {
	if off, ok := c.pooled[value]; ok {
		return off
	}
	off := len(c.pool)
	c.pool = binary.LittleEndian.AppendUint64(c.pool, value)
	c.pooled[value] = off
	return off
}

func (c *Context) finish() (asm.Program, error) {
	if rem := len(c.text) % 4; rem != 0 {
		c.text = append(c.text, make([]byte, 4-rem)...)
	}
	if len(c.pool) > 0 && len(c.text)%8 != 0 {
		c.emit32(opNop)
	}
	poolBase := len(c.text)

	for _, f := range c.literals {
		// LDR (literal) reaches +-1MiB in 19 bits of words.
		if err := c.patch(f.pos, poolBase+f.offset-f.pos, 19, 5); err != nil {
			return asm.Program{}, fmt.Errorf("arm64 asm: literal: %w", err)
		}
	}
	for _, f := range c.branches {
		target, ok := c.labels[f.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("arm64 asm: undefined label %q", f.label)
		}
		if err := c.patch(f.pos, target-f.pos, 26, 0); err != nil {
			return asm.Program{}, fmt.Errorf("arm64 asm: branch to %q: %w", f.label, err)
		}
	}
	return asm.NewProgram(append(c.text, c.pool...), c.labels), nil
}

// patch stores the word offset rel/4 into the bits-wide signed field at
// shift of the instruction at pos.
func (c *Context) patch(pos, rel int, bits, shift uint) error {
	if rel%4 != 0 {
		return fmt.Errorf("offset %d not a multiple of 4", rel)
	}
	imm := rel / 4
	if limit := 1 << (bits - 1); imm < -limit || imm >= limit {
		return fmt.Errorf("offset %d out of range", rel)
	}
	mask := uint32(1)<<bits - 1
	word := binary.LittleEndian.Uint32(c.text[pos:])
	word = word&^(mask<<shift) | (uint32(imm)&mask)<<shift
	binary.LittleEndian.PutUint32(c.text[pos:], word)
	return nil
}
