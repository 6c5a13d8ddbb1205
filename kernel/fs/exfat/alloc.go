package exfat

import (
	"anyos/device/storage"
	"anyos/kernel/fs/vfs"
)

func (fs *FS) readSectors(absLBA, count uint32, buf []byte) *vfs.FsError {
	if !fs.dev.ReadSectors(absLBA, count, buf) {
		return errIO
	}
	return nil
}

func (fs *FS) writeSectors(absLBA, count uint32, buf []byte) *vfs.FsError {
	if !fs.dev.WriteSectors(absLBA, count, buf) {
		return errIO
	}
	return nil
}

func (fs *FS) readCluster(cluster uint32, buf []byte) *vfs.FsError {
	return fs.readSectors(fs.clusterToLBA(cluster), fs.sectorsPerCluster(), buf)
}

func (fs *FS) writeCluster(cluster uint32, buf []byte) *vfs.FsError {
	lba := fs.clusterToLBA(cluster)
	cs := int(fs.clusterSize())
	if len(buf) >= cs {
		return fs.writeSectors(lba, fs.sectorsPerCluster(), buf[:cs])
	}
	tmp := make([]byte, cs)
	copy(tmp, buf)
	return fs.writeSectors(lba, fs.sectorsPerCluster(), tmp)
}

// nextCluster returns the cluster that follows cluster in its chain, or ok
// == false at end-of-chain/free/bad.
func (fs *FS) nextCluster(cluster uint32) (next uint32, ok bool) {
	off := int(cluster) * 4
	if off+4 > len(fs.fatCache) {
		return 0, false
	}
	val := le32(fs.fatCache[off : off+4])
	if val == freeMarker || val == badMarker || val >= 0xFFFFFFF8 {
		return 0, false
	}
	return val, true
}

// writeFatEntry updates the cached FAT entry and flushes its containing
// sector to disk (write-through — the cache never diverges from storage).
func (fs *FS) writeFatEntry(cluster uint32, value uint32) *vfs.FsError {
	off := int(cluster) * 4
	if off+4 > len(fs.fatCache) {
		return errIO
	}
	putLE32(fs.fatCache[off:off+4], value)

	sectorIdx := off / storage.SectorSize
	sectorStart := sectorIdx * storage.SectorSize
	var sectorBuf [storage.SectorSize]byte
	copy(sectorBuf[:], fs.fatCache[sectorStart:sectorStart+storage.SectorSize])
	absLBA := fs.partitionStartLBA + fs.fatOffset + uint32(sectorIdx)
	return fs.writeSectors(absLBA, 1, sectorBuf[:])
}

// loadBitmap scans the root directory for the allocation bitmap entry
// (0x81) and caches its contents in memory.
func (fs *FS) loadBitmap() *vfs.FsError {
	cs := fs.clusterSize()
	cluster := fs.rootCluster

	for {
		cbuf := make([]byte, cs)
		if err := fs.readCluster(cluster, cbuf); err != nil {
			return err
		}

		for i := 0; i+32 <= len(cbuf); i += 32 {
			etype := cbuf[i]
			if etype == 0x00 {
				break
			}
			if etype != entryTypeBitmap {
				continue
			}

			bmCluster := le32(cbuf[i+20 : i+24])
			bmSize := le64(cbuf[i+24 : i+32])

			fs.bitmapCluster = bmCluster
			fs.bitmapContiguous = true

			numClusters := (uint32(bmSize) + cs - 1) / cs
			if numClusters == 0 {
				numClusters = 1
			}
			totalSectors := numClusters * fs.sectorsPerCluster()
			raw := make([]byte, totalSectors*storage.SectorSize)
			lba := fs.clusterToLBA(bmCluster)
			if err := fs.readSectors(lba, totalSectors, raw); err != nil {
				return err
			}
			fs.bitmap = raw[:bmSize]
			return nil
		}

		next, ok := fs.nextCluster(cluster)
		if !ok {
			break
		}
		cluster = next
	}

	return errNoBitmap
}

func (fs *FS) flushBitmapByte(byteIdx int) *vfs.FsError {
	cs := int(fs.clusterSize())
	clusterIdx := byteIdx / cs
	offsetInCluster := byteIdx % cs
	targetCluster := fs.bitmapCluster + uint32(clusterIdx)

	sectorInCluster := offsetInCluster / storage.SectorSize
	lba := fs.clusterToLBA(targetCluster) + uint32(sectorInCluster)

	var sectorBuf [storage.SectorSize]byte
	if err := fs.readSectors(lba, 1, sectorBuf[:]); err != nil {
		return err
	}
	sectorBuf[offsetInCluster%storage.SectorSize] = fs.bitmap[byteIdx]
	return fs.writeSectors(lba, 1, sectorBuf[:])
}

// allocCluster finds the first free bit in the allocation bitmap, marks it
// used and seals the new cluster's FAT entry as end-of-chain.
func (fs *FS) allocCluster() (uint32, *vfs.FsError) {
	for i := uint32(0); i < fs.clusterCount; i++ {
		byteIdx := int(i / 8)
		bitIdx := i % 8
		if byteIdx >= len(fs.bitmap) {
			break
		}
		if fs.bitmap[byteIdx]&(1<<bitIdx) == 0 {
			fs.bitmap[byteIdx] |= 1 << bitIdx
			if err := fs.flushBitmapByte(byteIdx); err != nil {
				return 0, err
			}
			cluster := i + 2
			if err := fs.writeFatEntry(cluster, eocMarker); err != nil {
				return 0, err
			}
			return cluster, nil
		}
	}
	return 0, errNoSpace
}

func (fs *FS) clearBitmapBit(clusterIdx uint32) *vfs.FsError {
	byteIdx := int(clusterIdx / 8)
	bitIdx := clusterIdx % 8
	if byteIdx >= len(fs.bitmap) {
		return nil
	}
	fs.bitmap[byteIdx] &^= 1 << bitIdx
	return fs.flushBitmapByte(byteIdx)
}

// freeChain releases every cluster backing a file, whether it is a single
// contiguous run (NoFatChain) or a FAT-linked chain.
func (fs *FS) freeChain(start uint32, contiguous bool, dataLength uint64) *vfs.FsError {
	if start < 2 {
		return nil
	}

	if contiguous {
		cs := uint64(fs.clusterSize())
		n := uint32((dataLength + cs - 1) / cs)
		for j := uint32(0); j < n; j++ {
			if err := fs.clearBitmapBit(start - 2 + j); err != nil {
				return err
			}
		}
		return nil
	}

	c := start
	for {
		next, ok := fs.nextCluster(c)
		if err := fs.clearBitmapBit(c - 2); err != nil {
			return err
		}
		if err := fs.writeFatEntry(c, freeMarker); err != nil {
			return err
		}
		if !ok {
			break
		}
		c = next
	}
	return nil
}
