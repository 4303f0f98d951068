package arm64

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/bringup/internal/asm"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
	sectHeaderSize = 64
)

// Section name table. .text starts at 1 and .shstrtab at 7.
const shstrtab = "\x00.text\x00.shstrtab\x00"

// StandaloneELFConfig places a program as one PT_LOAD segment, mirrored
// by a .text section, so a loader or disassembler can map it at its link
// address. Vector tables are emitted this way with BaseAddress set to
// the VBAR_EL1 value.
type StandaloneELFConfig struct {
	BaseAddress      uint64
	SegmentOffset    uint64
	SegmentAlignment uint64
	SegmentFlags     elf.ProgFlag
	// Entry defaults to BaseAddress.
	Entry uint64
}

func DefaultStandaloneELFConfig() StandaloneELFConfig {
	return StandaloneELFConfig{
		BaseAddress:      0x40001000,
		SegmentOffset:    0x1000,
		SegmentAlignment: 0x1000,
		SegmentFlags:     elf.PF_R | elf.PF_X,
	}
}

func (cfg StandaloneELFConfig) withDefaults() StandaloneELFConfig {
	def := DefaultStandaloneELFConfig()
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = def.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = def.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = def.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = def.SegmentFlags
	}
	if cfg.Entry == 0 {
		cfg.Entry = cfg.BaseAddress
	}
	return cfg
}

func (cfg StandaloneELFConfig) validate() error {
	if cfg.SegmentOffset < elfHeaderSize+progHeaderSize {
		return fmt.Errorf("segment offset %#x overlaps the ELF headers", cfg.SegmentOffset)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x not aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x not aligned to %#x", cfg.BaseAddress, cfg.SegmentAlignment)
	}
	if cfg.Entry < cfg.BaseAddress {
		return fmt.Errorf("entry %#x below base address %#x", cfg.Entry, cfg.BaseAddress)
	}
	return nil
}

// StandaloneELFWithConfig wraps prog in an executable image laid out as
// headers, padding to SegmentOffset, the code, the section name table
// and finally the section headers.
func StandaloneELFWithConfig(prog asm.Program, cfg StandaloneELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	code := prog.Bytes()
	size := uint64(len(code))
	strOff := cfg.SegmentOffset + size
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     cfg.Entry,
		Phoff:     elfHeaderSize,
		Shoff:     shOff,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     1,
		Shentsize: sectHeaderSize,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	load := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(cfg.SegmentFlags),
		Off:    cfg.SegmentOffset,
		Vaddr:  cfg.BaseAddress,
		Paddr:  cfg.BaseAddress,
		Filesz: size,
		Memsz:  size,
		Align:  cfg.SegmentAlignment,
	}
	sections := [3]elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      cfg.BaseAddress,
			Off:       cfg.SegmentOffset,
			Size:      size,
			Addralign: 4,
		},
		{
			Name:      7,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &load); err != nil {
		return nil, err
	}
	buf.Write(make([]byte, cfg.SegmentOffset-uint64(buf.Len())))
	buf.Write(code)
	buf.WriteString(shstrtab)
	buf.Write(make([]byte, shOff-uint64(buf.Len())))
	if err := binary.Write(&buf, binary.LittleEndian, &sections); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
