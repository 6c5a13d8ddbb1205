package exfat

import "anyos/kernel/fs/vfs"

// writeFile writes data at offset, allocating clusters as needed and
// growing the file's recorded size. The returned inode never has the
// contiguous bit set: once a file has been written to, its clusters are no
// longer guaranteed to form a single run.
func (fs *FS) writeFile(inode vfs.Inode, offset uint64, data []byte, oldSize uint64) (vfs.Inode, uint64, *vfs.FsError) {
	startCluster, _ := decodeInode(inode)
	if len(data) == 0 {
		return encodeInode(startCluster, false), oldSize, nil
	}

	cs := fs.clusterSize()

	first := startCluster
	if first < 2 {
		c, err := fs.allocCluster()
		if err != nil {
			return 0, 0, err
		}
		first = c
	}

	cluster := first
	clusterOffset := uint64(0)

	for clusterOffset+uint64(cs) <= offset {
		clusterOffset += uint64(cs)
		next, ok := fs.nextCluster(cluster)
		if ok {
			cluster = next
			continue
		}
		newCluster, err := fs.allocCluster()
		if err != nil {
			return 0, 0, err
		}
		if err := fs.writeFatEntry(cluster, newCluster); err != nil {
			return 0, 0, err
		}
		zeros := make([]byte, cs)
		if err := fs.writeCluster(newCluster, zeros); err != nil {
			return 0, 0, err
		}
		cluster = newCluster
	}

	written := 0
	cur := cluster

	for {
		startIn := 0
		if clusterOffset < offset {
			startIn = int(offset - clusterOffset)
		}
		space := int(cs) - startIn
		toWrite := space
		if remaining := len(data) - written; remaining < toWrite {
			toWrite = remaining
		}

		cbuf := make([]byte, cs)
		if err := fs.readCluster(cur, cbuf); err != nil {
			return 0, 0, err
		}
		copy(cbuf[startIn:startIn+toWrite], data[written:written+toWrite])
		if err := fs.writeCluster(cur, cbuf); err != nil {
			return 0, 0, err
		}

		written += toWrite
		clusterOffset += uint64(cs)

		if written >= len(data) {
			break
		}

		next, ok := fs.nextCluster(cur)
		if ok {
			cur = next
			continue
		}
		newCluster, err := fs.allocCluster()
		if err != nil {
			return 0, 0, err
		}
		if err := fs.writeFatEntry(cur, newCluster); err != nil {
			return 0, 0, err
		}
		zeros := make([]byte, cs)
		if err := fs.writeCluster(newCluster, zeros); err != nil {
			return 0, 0, err
		}
		cur = newCluster
	}

	newSize := offset + uint64(len(data))
	if oldSize > newSize {
		newSize = oldSize
	}
	return encodeInode(first, false), newSize, nil
}

// buildEntrySet serializes a File (0x85) + Stream (0xC0) + FileName (0xC1...)
// entry set and seals it with its checksum.
func buildEntrySet(name string, attributes uint16, firstCluster uint32, dataLength uint64, contiguous bool) []byte {
	utf16 := make([]uint16, len(name))
	for i := 0; i < len(name); i++ {
		utf16[i] = uint16(name[i])
	}
	nameLen := len(utf16)
	fnEntries := (nameLen + 14) / 15
	secondary := 1 + fnEntries
	total := 1 + secondary
	set := make([]byte, total*32)

	// File Directory Entry (0x85).
	set[0] = entryTypeFile
	set[1] = byte(secondary)
	set[4] = byte(attributes)
	set[5] = byte(attributes >> 8)

	// Stream Extension (0xC0).
	s := 32
	set[s] = entryTypeStream
	flags := byte(0x01) // AllocationPossible
	if contiguous {
		flags |= flagContiguous
	}
	set[s+1] = flags
	set[s+3] = byte(nameLen)
	nh := nameHash(utf16)
	set[s+4] = byte(nh)
	set[s+5] = byte(nh >> 8)
	putLE64(set[s+8:s+16], dataLength)
	putLE32(set[s+20:s+24], firstCluster)
	putLE64(set[s+24:s+32], dataLength)

	// FileName entries (0xC1).
	for fi := 0; fi < fnEntries; fi++ {
		f := (2 + fi) * 32
		set[f] = entryTypeFileName
		for j := 0; j < 15; j++ {
			ci := fi*15 + j
			var ch uint16
			if ci < len(utf16) {
				ch = utf16[ci]
			}
			set[f+2+j*2] = byte(ch)
			set[f+3+j*2] = byte(ch >> 8)
		}
	}

	checksum := entrySetChecksum(set, total)
	set[2] = byte(checksum)
	set[3] = byte(checksum >> 8)

	return set
}

// findFreeEntries finds count consecutive free 32-byte slots in a directory
// buffer, treating both the end-of-directory marker and deleted entries
// (InUse bit clear) as free.
func findFreeEntries(buf []byte, count int) (int, bool) {
	max := len(buf) / 32
	runStart := 0
	runLen := 0

	for idx := 0; idx < max; idx++ {
		off := idx * 32
		etype := buf[off]

		if etype == 0x00 {
			if runLen == 0 {
				runStart = idx
			}
			available := max - runStart
			if available >= count {
				return runStart * 32, true
			}
			return 0, false
		}

		if etype&0x80 == 0 {
			if runLen == 0 {
				runStart = idx
			}
			runLen++
			if runLen >= count {
				return runStart * 32, true
			}
		} else {
			runLen = 0
		}
	}
	return 0, false
}

// createEntry appends a new directory entry set to the parent directory,
// growing the directory's cluster chain if no free run of slots exists.
func (fs *FS) createEntry(parentCluster uint32, name string, isDir bool, firstCluster uint32, dataLength uint64) *vfs.FsError {
	attr := uint16(attrArchive)
	if isDir {
		attr = attrDirectory
	}
	entrySet := buildEntrySet(name, attr, firstCluster, dataLength, false)
	num := len(entrySet) / 32
	cs := int(fs.clusterSize())
	cur := parentCluster

	for {
		cbuf := make([]byte, cs)
		if err := fs.readCluster(cur, cbuf); err != nil {
			return err
		}

		if off, ok := findFreeEntries(cbuf, num); ok {
			copy(cbuf[off:off+len(entrySet)], entrySet)
			return fs.writeCluster(cur, cbuf)
		}

		next, ok := fs.nextCluster(cur)
		if ok {
			cur = next
			continue
		}
		newCluster, err := fs.allocCluster()
		if err != nil {
			return err
		}
		if err := fs.writeFatEntry(cur, newCluster); err != nil {
			return err
		}
		newBuf := make([]byte, cs)
		copy(newBuf[:len(entrySet)], entrySet)
		return fs.writeCluster(newCluster, newBuf)
	}
}

// updateEntry rewrites a file's size/first-cluster fields in its directory
// entry set and recomputes the set checksum.
func (fs *FS) updateEntry(parentCluster uint32, name string, newSize uint64, newCluster uint32) *vfs.FsError {
	cs := int(fs.clusterSize())
	cur := parentCluster

	for {
		cbuf := make([]byte, cs)
		if err := fs.readCluster(cur, cbuf); err != nil {
			return err
		}

		if found := fs.findEntryInBuf(cbuf, name); found != nil {
			off := found.fileEntryOffset
			s := off + 32

			putLE64(cbuf[s+8:s+16], newSize)
			putLE32(cbuf[s+20:s+24], newCluster)
			putLE64(cbuf[s+24:s+32], newSize)
			cbuf[s+1] = (cbuf[s+1] &^ flagContiguous) | 0x01

			total := 1 + int(found.secondaryCount)
			checksum := entrySetChecksum(cbuf[off:], total)
			cbuf[off+2] = byte(checksum)
			cbuf[off+3] = byte(checksum >> 8)

			return fs.writeCluster(cur, cbuf)
		}

		next, ok := fs.nextCluster(cur)
		if !ok {
			return errNotFound
		}
		cur = next
	}
}

// deleteEntry clears a name's directory entry set (InUse bit) and frees its
// cluster chain.
func (fs *FS) deleteEntry(parentCluster uint32, name string) *vfs.FsError {
	cs := int(fs.clusterSize())
	cur := parentCluster

	for {
		cbuf := make([]byte, cs)
		if err := fs.readCluster(cur, cbuf); err != nil {
			return err
		}

		if found := fs.findEntryInBuf(cbuf, name); found != nil {
			total := 1 + int(found.secondaryCount)
			off := found.fileEntryOffset
			for e := 0; e < total; e++ {
				eoff := off + e*32
				if eoff < len(cbuf) {
					cbuf[eoff] &= 0x7F
				}
			}
			if err := fs.writeCluster(cur, cbuf); err != nil {
				return err
			}
			if found.firstCluster >= 2 {
				return fs.freeChain(found.firstCluster, found.contiguous, found.dataLength)
			}
			return nil
		}

		next, ok := fs.nextCluster(cur)
		if !ok {
			return errNotFound
		}
		cur = next
	}
}
