package snesemu

import (
	"encoding/hex"
	"testing"
)

func TestNewROM(t *testing.T) {
	contents := make([]byte, 0x8000)
	_, err := hex.Decode(
		contents[0x7FB0:],
		[]byte("018d2401e2306bffffffffffffffffff544845204c4547454e44204f46205a454c4441202020020a03010100f2500dafffffffff2c82ffff2c82c9800080d882"),
	)
	if err != nil {
		t.Fatal(err)
	}

	gotR, err := NewROM(contents)
	if err != nil {
		t.Fatal(err)
	}

	if gotR.Header.MakerCode != 0x8D01 {
		t.Fatal("MakerCode")
	}
	if gotR.Header.GameCode != 0x30E20124 {
		t.Fatal("GameCode")
	}
	if got := gotR.Title(); got != "THE LEGEND OF ZELDA" {
		t.Fatalf("Title() = %q", got)
	}
	if got := gotR.RAMSize(); got != 8192 {
		t.Fatalf("RAMSize() = %d", got)
	}
}

func TestROM_WriteHeader(t *testing.T) {
	contents := make([]byte, 0x8000)
	r, err := NewROM(contents)
	if err != nil {
		t.Fatal(err)
	}

	copy(r.Header.Title[:], "REX TEST")
	r.Header.RAMSize = 5
	r.EmulatedVectors.RESET = 0x8123
	if err = r.WriteHeader(); err != nil {
		t.Fatal(err)
	}

	if contents[0x7FFC] != 0x23 || contents[0x7FFD] != 0x81 {
		t.Fatalf("RESET vector bytes = %02x %02x", contents[0x7FFC], contents[0x7FFD])
	}

	again, err := NewROM(contents)
	if err != nil {
		t.Fatal(err)
	}
	if again.Title() != "REX TEST" {
		t.Fatalf("Title() = %q", again.Title())
	}
	if again.RAMSize() != 32768 {
		t.Fatalf("RAMSize() = %d", again.RAMSize())
	}
}

func TestNewROMTooSmall(t *testing.T) {
	if _, err := NewROM(make([]byte, 0x100)); err == nil {
		t.Fatal("expected error")
	}
}
