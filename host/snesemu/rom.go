package snesemu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
)

const headerOffset = 0x007FB0

// ROM is a LoROM image with its internal header decoded.
type ROM struct {
	Contents []byte

	Header          Header
	NativeVectors   NativeVectors
	EmulatedVectors EmulatedVectors
}

// $FFB0
type Header struct {
	MakerCode          uint16
	GameCode           uint32
	Fixed1             [7]byte
	ExpansionRAMSize   byte
	SpecialVersion     byte
	CartridgeSubType   byte
	Title              [21]byte
	MapMode            byte
	CartridgeType      byte
	ROMSize            byte
	RAMSize            byte
	DestinationCode    byte
	Fixed2             byte
	MaskROMVersion     byte
	ComplementCheckSum uint16
	CheckSum           uint16
}

type NativeVectors struct {
	Unused1 [4]byte
	COP     uint16
	BRK     uint16
	ABORT   uint16
	NMI     uint16
	Unused2 uint16
	IRQ     uint16
}

type EmulatedVectors struct {
	Unused1 [4]byte
	COP     uint16
	Unused2 uint16
	ABORT   uint16
	NMI     uint16
	RESET   uint16
	IRQBRK  uint16
}

// NewROM decodes the header of contents. contents is not copied.
func NewROM(contents []byte) (r *ROM, err error) {
	if len(contents) < 0x8000 {
		return nil, fmt.Errorf("snesemu: ROM too small to contain a header (%d bytes)", len(contents))
	}

	r = &ROM{Contents: contents}

	b := bytes.NewReader(contents[headerOffset : headerOffset+0x50])
	for _, into := range []any{&r.Header, &r.NativeVectors, &r.EmulatedVectors} {
		if err = readBinaryStruct(b, into); err != nil {
			return nil, err
		}
	}
	return
}

func readBinaryStruct(b *bytes.Reader, into any) (err error) {
	hv := reflect.ValueOf(into).Elem()
	for i := 0; i < hv.NumField(); i++ {
		f := hv.Field(i)
		if err = binary.Read(b, binary.LittleEndian, f.Addr().Interface()); err != nil {
			return fmt.Errorf("snesemu: reading %s.%s: %w", hv.Type().Name(), hv.Type().Field(i).Name, err)
		}
	}
	return
}

// WriteHeader encodes the header and vectors back into Contents.
func (r *ROM) WriteHeader() error {
	var b bytes.Buffer
	for _, from := range []any{&r.Header, &r.NativeVectors, &r.EmulatedVectors} {
		if err := binary.Write(&b, binary.LittleEndian, from); err != nil {
			return fmt.Errorf("snesemu: writing header: %w", err)
		}
	}
	copy(r.Contents[headerOffset:], b.Bytes())
	return nil
}

func (r *ROM) Title() string {
	return strings.TrimRight(string(r.Header.Title[:]), " \x00")
}

func (r *ROM) ROMSize() uint32 {
	return 1024 << r.Header.ROMSize
}

func (r *ROM) RAMSize() uint32 {
	if r.Header.RAMSize == 0 {
		return 0
	}
	return 1024 << r.Header.RAMSize
}
