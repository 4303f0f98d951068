// Package fdt builds and reads flattened device tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property is a single device-tree property. Exactly one of the typed
// fields should be populated.
type Property struct {
	Strings []string `yaml:"strings,omitempty"`
	U32     []uint32 `yaml:"u32,omitempty"`
	U64     []uint64 `yaml:"u64,omitempty"`
	Bytes   []byte   `yaml:"bytes,omitempty"`
	Flag    bool     `yaml:"flag,omitempty"`
}

func Strings(v ...string) Property { return Property{Strings: v} }
func U32(v ...uint32) Property     { return Property{U32: v} }
func U64(v ...uint64) Property     { return Property{U64: v} }
func Flag() Property               { return Property{Flag: true} }

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// Encode returns the big-endian value bytes stored in the blob.
func (p Property) Encode() ([]byte, error) {
	switch p.DefinedCount() {
	case 0:
		return nil, fmt.Errorf("fdt: property has no value")
	case 1:
	default:
		return nil, fmt.Errorf("fdt: property has multiple value kinds")
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	default:
		return nil, nil
	}
}

// Node is a device-tree node. Children keep their order in the blob;
// properties are written sorted by name.
type Node struct {
	Name       string              `yaml:"name"`
	Properties map[string]Property `yaml:"properties,omitempty"`
	Children   []Node              `yaml:"children,omitempty"`
}

// NewNode returns a node with an empty property map.
func NewNode(name string) Node {
	return Node{Name: name, Properties: make(map[string]Property)}
}

// Set stores a property, allocating the map if needed.
func (n *Node) Set(name string, p Property) {
	if n.Properties == nil {
		n.Properties = make(map[string]Property)
	}
	n.Properties[name] = p
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// Lookup resolves a slash-separated path such as "/cpus/cpu@0".
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	start := 0
	for start < len(path) {
		if path[start] == '/' {
			start++
			continue
		}
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		next, ok := cur.Child(path[start:end])
		if !ok {
			return nil, false
		}
		cur = next
		start = end
	}
	return cur, true
}
