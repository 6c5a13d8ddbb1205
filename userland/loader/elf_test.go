package loader

import "testing"

// buildHeader returns a byte slice holding an Elf64_Ehdr-shaped record with
// the given identity bytes and machine/type fields, long enough that Load
// won't bail out on length before reaching the checks under test.
func buildHeader(ident [16]byte, machine, etype uint16) []byte {
	buf := make([]byte, 64)
	copy(buf[0:16], ident[:])
	buf[16] = byte(etype)
	buf[17] = byte(etype >> 8)
	buf[18] = byte(machine)
	buf[19] = byte(machine >> 8)
	return buf
}

func validIdent() [16]byte {
	var id [16]byte
	id[0], id[1], id[2], id[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
	id[4] = elfClass64
	id[5] = elfData2LSB
	return id
}

func TestLoadRejectsTooShort(t *testing.T) {
	if _, err := Load([]byte{0x7F, 'E', 'L', 'F'}); err != errNotELF {
		t.Fatalf("Load(short) = %v; want errNotELF", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	id := validIdent()
	id[0] = 0x00
	data := buildHeader(id, elfMachineX8664, elfTypeExec)
	if _, err := Load(data); err != errNotELF {
		t.Fatalf("Load(bad magic) = %v; want errNotELF", err)
	}
}

func TestLoadRejectsWrongClassOrEndianness(t *testing.T) {
	id := validIdent()
	id[4] = 1 // ELFCLASS32
	data := buildHeader(id, elfMachineX8664, elfTypeExec)
	if _, err := Load(data); err != errNotELF {
		t.Fatalf("Load(32-bit class) = %v; want errNotELF", err)
	}
}

func TestLoadRejectsUnsupportedMachine(t *testing.T) {
	data := buildHeader(validIdent(), 0x28 /* ARM */, elfTypeExec)
	if _, err := Load(data); err != errUnsupported {
		t.Fatalf("Load(wrong machine) = %v; want errUnsupported", err)
	}
}

func TestLoadRejectsUnsupportedType(t *testing.T) {
	data := buildHeader(validIdent(), elfMachineX8664, 1 /* ET_REL */)
	if _, err := Load(data); err != errUnsupported {
		t.Fatalf("Load(ET_REL) = %v; want errUnsupported", err)
	}
}

func TestSegmentBoundsRoundsOutToPages(t *testing.T) {
	base, end := segmentBounds(0x1000+0x10, 0x2000)
	if base != 0x1000 {
		t.Fatalf("base = %#x; want 0x1000", base)
	}
	if end != 0x4000 {
		t.Fatalf("end = %#x; want 0x4000", end)
	}
}

func TestSegmentBoundsAlreadyAligned(t *testing.T) {
	base, end := segmentBounds(0x2000, 0x1000)
	if base != 0x2000 || end != 0x3000 {
		t.Fatalf("bounds = (%#x, %#x); want (0x2000, 0x3000)", base, end)
	}
}

func TestMax64Min64(t *testing.T) {
	if max64(3, 5) != 5 || max64(5, 3) != 5 {
		t.Fatal("max64 wrong")
	}
	if min64(3, 5) != 3 || min64(5, 3) != 3 {
		t.Fatal("min64 wrong")
	}
}
