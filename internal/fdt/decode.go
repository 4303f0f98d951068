package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed device tree")

// Decode parses a blob produced by Build or by firmware. Property values
// come back as raw Bytes, or Flag when empty.
func Decode(blob []byte) (Node, Options, error) {
	var opts Options
	if len(blob) < fdtHeaderSize {
		return Node{}, opts, fmt.Errorf("fdt: %w: %d byte header", ErrMalformed, len(blob))
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:4]) != fdtMagic {
		return Node{}, opts, fmt.Errorf("fdt: %w: bad magic %#x", ErrMalformed, be.Uint32(blob[0:4]))
	}
	total := int(be.Uint32(blob[4:8]))
	offStruct := int(be.Uint32(blob[8:12]))
	offStrings := int(be.Uint32(blob[12:16]))
	offReserve := int(be.Uint32(blob[16:20]))
	if be.Uint32(blob[24:28]) > fdtVersion {
		return Node{}, opts, fmt.Errorf("fdt: %w: incompatible version", ErrMalformed)
	}
	opts.BootCPU = be.Uint32(blob[28:32])
	sizeStrings := int(be.Uint32(blob[32:36]))
	sizeStruct := int(be.Uint32(blob[36:40]))
	if total > len(blob) || offStruct+sizeStruct > total || offStrings+sizeStrings > total || offReserve > total {
		return Node{}, opts, fmt.Errorf("fdt: %w: block outside blob", ErrMalformed)
	}

	for off := offReserve; ; off += 16 {
		if off+16 > total {
			return Node{}, opts, fmt.Errorf("fdt: %w: unterminated reservation block", ErrMalformed)
		}
		r := Reservation{Address: be.Uint64(blob[off:]), Size: be.Uint64(blob[off+8:])}
		if r.Address == 0 && r.Size == 0 {
			break
		}
		opts.Reserve = append(opts.Reserve, r)
	}

	d := &decoder{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	tok, err := d.token()
	for err == nil && tok == fdtNopToken {
		tok, err = d.token()
	}
	if err != nil {
		return Node{}, opts, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, opts, fmt.Errorf("fdt: %w: structure does not start with a node", ErrMalformed)
	}
	root, err := d.node()
	if err != nil {
		return Node{}, opts, err
	}
	if tok, err := d.token(); err != nil || tok != fdtEndToken {
		return Node{}, opts, fmt.Errorf("fdt: %w: missing end token", ErrMalformed)
	}
	return root, opts, nil
}

type decoder struct {
	data    []byte
	off     int
	strings []byte
}

func (d *decoder) token() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, fmt.Errorf("fdt: %w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) align() { d.off = (d.off + 3) &^ 3 }

func (d *decoder) cstring(buf []byte, off int) (string, int, error) {
	if off < 0 || off >= len(buf) {
		return "", 0, fmt.Errorf("fdt: %w: string offset %d", ErrMalformed, off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("fdt: %w: unterminated string", ErrMalformed)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

// node decodes the body of a node whose BEGIN_NODE token was consumed.
func (d *decoder) node() (Node, error) {
	name, next, err := d.cstring(d.data, d.off)
	if err != nil {
		return Node{}, err
	}
	d.off = next
	d.align()
	n := Node{Name: name}
	for {
		tok, err := d.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			length, err := d.token()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := d.token()
			if err != nil {
				return Node{}, err
			}
			if d.off+int(length) > len(d.data) {
				return Node{}, fmt.Errorf("fdt: %w: property overruns structure", ErrMalformed)
			}
			pname, _, err := d.cstring(d.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			p := Flag()
			if length > 0 {
				p = Property{Bytes: append([]byte(nil), d.data[d.off:d.off+int(length)]...)}
			}
			n.Set(pname, p)
			d.off += int(length)
			d.align()
		case fdtBeginNodeToken:
			child, err := d.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("fdt: %w: token %#x at %#x", ErrMalformed, tok, d.off-4)
		}
	}
}
