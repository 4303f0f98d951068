// Package asm holds the architecture-neutral half of the fragment
// assembler: fragments emit into a Context, labels mark positions and
// the finished code comes back as a Program.
package asm

import (
	"fmt"
	"sort"
)

// Variable names a register in an architecture package.
type Variable int

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is position-independent machine code plus the offsets of every
// label defined while emitting it.
type Program struct {
	code   []byte
	labels map[Label]int
}

func NewProgram(code []byte, labels map[Label]int) Program {
	out := make(map[Label]int, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		labels: out,
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// Label returns the byte offset of label.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Labels lists the defined labels ordered by offset.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if p.labels[out[i]] != p.labels[out[j]] {
			return p.labels[out[i]] < p.labels[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
