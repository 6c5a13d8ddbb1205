package exfat

import "anyos/kernel/fs/vfs"

// foundEntry describes a located exFAT directory entry set (File + Stream +
// FileName entries).
type foundEntry struct {
	firstCluster    uint32
	dataLength      uint64
	attributes      uint16
	contiguous      bool
	fileEntryOffset int
	secondaryCount  uint8
}

// entrySetChecksum computes the exFAT directory entry set checksum, which
// covers every byte of the set except bytes 2-3 of the first (File) entry —
// the slot the checksum itself is stored in.
func entrySetChecksum(data []byte, entryCount int) uint16 {
	total := entryCount * 32
	if total > len(data) {
		total = len(data)
	}
	var cs uint16
	for i := 0; i < total; i++ {
		if i == 2 || i == 3 {
			continue
		}
		cs = (cs<<15 | cs>>1) + uint16(data[i])
	}
	return cs
}

// upcase performs the ASCII-only upper-casing exFAT's simplified case fold
// uses for name comparison and hashing (no full Unicode upcase table).
func upcase(ch uint16) uint16 {
	if ch >= 0x61 && ch <= 0x7A {
		return ch - 0x20
	}
	return ch
}

func nameHash(name []uint16) uint16 {
	var h uint16
	for _, ch := range name {
		uc := upcase(ch)
		h = (h<<15 | h>>1) + (uc & 0xFF)
		h = (h<<15 | h>>1) + (uc >> 8)
	}
	return h
}

func namesEqual(utf16 []uint16, ascii string) bool {
	if len(utf16) != len(ascii) {
		return false
	}
	for i, ch := range utf16 {
		if upcase(ch) != upcase(uint16(ascii[i])) {
			return false
		}
	}
	return true
}

// collectName reassembles the UTF-16 name stored across the FileName (0xC1)
// entries that follow the File+Stream pair starting at baseOffset.
func collectName(buf []byte, baseOffset int, secondaryCount uint8, nameLength int) []uint16 {
	total := 1 + int(secondaryCount)
	name := make([]uint16, 0, nameLength)

	fnIdx := 2
	for fnIdx < total && len(name) < nameLength {
		off := baseOffset + fnIdx*32
		if off+32 > len(buf) || buf[off] != entryTypeFileName {
			break
		}
		for j := 0; j < 15 && len(name) < nameLength; j++ {
			ch := uint16(buf[off+2+j*2]) | uint16(buf[off+3+j*2])<<8
			name = append(name, ch)
		}
		fnIdx++
	}
	return name
}

func utf16ToString(chars []uint16) string {
	b := make([]byte, 0, len(chars))
	for _, ch := range chars {
		if ch == 0 {
			break
		}
		if ch < 128 {
			b = append(b, byte(ch))
		} else {
			b = append(b, '?')
		}
	}
	return string(b)
}

// readDirRaw reads every cluster of a directory's chain into one buffer.
func (fs *FS) readDirRaw(cluster uint32) ([]byte, *vfs.FsError) {
	cs := int(fs.clusterSize())
	var result []byte
	cur := cluster
	for {
		cbuf := make([]byte, cs)
		if err := fs.readCluster(cur, cbuf); err != nil {
			return nil, err
		}
		result = append(result, cbuf...)
		next, ok := fs.nextCluster(cur)
		if !ok {
			break
		}
		cur = next
	}
	return result, nil
}

// findEntryInBuf locates the File (0x85) + Stream (0xC0) entry set for name
// within a raw directory buffer.
func (fs *FS) findEntryInBuf(buf []byte, name string) *foundEntry {
	i := 0
	for i+32 <= len(buf) {
		etype := buf[i]
		if etype == 0x00 {
			break
		}
		if etype != entryTypeFile {
			i += 32
			continue
		}

		secondaryCount := buf[i+1]
		attributes := uint16(buf[i+4]) | uint16(buf[i+5])<<8
		total := 1 + int(secondaryCount)
		if i+total*32 > len(buf) {
			break
		}

		s := i + 32
		if buf[s] != entryTypeStream {
			i += 32
			continue
		}

		generalFlags := buf[s+1]
		contiguous := generalFlags&flagContiguous != 0
		nameLength := int(buf[s+3])
		firstCluster := le32(buf[s+20 : s+24])
		dataLength := le64(buf[s+24 : s+32])

		collected := collectName(buf, i, secondaryCount, nameLength)
		if namesEqual(collected, name) {
			return &foundEntry{
				firstCluster:    firstCluster,
				dataLength:      dataLength,
				attributes:      attributes,
				contiguous:      contiguous,
				fileEntryOffset: i,
				secondaryCount:  secondaryCount,
			}
		}

		i += total * 32
	}
	return nil
}

// parseDirEntries decodes every File entry in buf into vfs.DirEntry values
// for a ReadDir response.
func (fs *FS) parseDirEntries(buf []byte) []vfs.DirEntry {
	var entries []vfs.DirEntry

	i := 0
	for i+32 <= len(buf) {
		etype := buf[i]
		if etype == 0x00 {
			break
		}
		if etype != entryTypeFile {
			i += 32
			continue
		}

		secondaryCount := buf[i+1]
		attributes := uint16(buf[i+4]) | uint16(buf[i+5])<<8
		total := 1 + int(secondaryCount)
		if i+total*32 > len(buf) {
			break
		}

		s := i + 32
		if s+32 > len(buf) || buf[s] != entryTypeStream {
			i += 32
			continue
		}

		nameLength := int(buf[s+3])
		dataLength := le64(buf[s+24 : s+32])

		collected := collectName(buf, i, secondaryCount, nameLength)
		name := utf16ToString(collected)

		fileType := vfs.FileTypeFile
		if attributes&attrDirectory != 0 {
			fileType = vfs.FileTypeDirectory
		}
		firstCluster := le32(buf[s+20 : s+24])
		contiguous := buf[s+1]&flagContiguous != 0

		entries = append(entries, vfs.DirEntry{
			Name:  name,
			Inode: encodeInode(firstCluster, contiguous),
			Type:  fileType,
			Size:  dataLength,
		})

		i += total * 32
	}
	return entries
}
