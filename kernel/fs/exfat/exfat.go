// Package exfat implements the exFAT filesystem driver: VBR parsing, an
// in-memory FAT table and allocation bitmap cache, directory entry set
// parsing/sealing and the read/write/create/delete operations that back
// kernel/fs/vfs.FileSystem.
package exfat

import (
	"anyos/device/storage"
	"anyos/kernel/fs/vfs"
	"anyos/kernel/sync"
)

// exFAT FAT chain markers.
const (
	eocMarker  = 0xFFFFFFFF
	freeMarker = 0x00000000
	badMarker  = 0xFFFFFFF7
)

// Directory entry type codes; bit 7 is the InUse flag.
const (
	entryTypeFile     = 0x85
	entryTypeStream   = 0xC0
	entryTypeFileName = 0xC1
	entryTypeBitmap   = 0x81
)

// Stream extension general flags.
const flagContiguous = 0x02

// File attributes.
const (
	attrDirectory = 0x0010
	attrArchive   = 0x0020
)

// contiguousBit is stored in bit 31 of the VFS inode to record whether the
// file's clusters are a single contiguous run (NoFatChain), letting reads
// skip the FAT entirely.
const contiguousBit = 0x8000_0000

func encodeInode(cluster uint32, contiguous bool) vfs.Inode {
	if contiguous {
		return vfs.Inode(cluster | contiguousBit)
	}
	return vfs.Inode(cluster)
}

func decodeInode(inode vfs.Inode) (cluster uint32, contiguous bool) {
	v := uint32(inode)
	return v &^ contiguousBit, v&contiguousBit != 0
}

var (
	errIO               = &vfs.FsError{Kind: vfs.IoError, Message: "block device read/write failed"}
	errNotFound         = &vfs.FsError{Kind: vfs.NotFound, Message: "no such entry"}
	errNotADirectory    = &vfs.FsError{Kind: vfs.NotADirectory, Message: "entry is not a directory"}
	errAlreadyExists    = &vfs.FsError{Kind: vfs.AlreadyExists, Message: "entry already exists"}
	errNoSpace          = &vfs.FsError{Kind: vfs.NoSpace, Message: "no free clusters"}
	errUnsupportedShift = &vfs.FsError{Kind: vfs.IoError, Message: "unsupported bytes-per-sector shift"}
	errBadVBR           = &vfs.FsError{Kind: vfs.IoError, Message: "not an exFAT volume"}
	errNoBitmap         = &vfs.FsError{Kind: vfs.IoError, Message: "allocation bitmap not found"}
)

// FS is a mounted exFAT volume. It implements vfs.FileSystem.
type FS struct {
	dev               storage.BlockDevice
	partitionStartLBA uint32

	bytesPerSectorShift    uint8
	sectorsPerClusterShift uint8
	fatOffset              uint32
	fatLength              uint32
	clusterHeapOffset      uint32
	clusterCount           uint32
	rootCluster            uint32

	lock sync.Spinlock

	// fatCache mirrors the on-disk FAT table (4 bytes per cluster entry).
	fatCache []byte

	// bitmap mirrors the on-disk allocation bitmap (1 bit per cluster).
	bitmap           []byte
	bitmapCluster    uint32
	bitmapContiguous bool

	// dentries maps an inode back to the (parent, name) pair that
	// produced it; see dentry in fs_ops.go.
	dentries map[vfs.Inode]dentry
}

// Mount reads the VBR from dev at partitionStartLBA and, if it describes a
// valid exFAT volume, caches the FAT table and allocation bitmap in memory.
func Mount(dev storage.BlockDevice, partitionStartLBA uint32) (*FS, *vfs.FsError) {
	var vbr [storage.SectorSize]byte
	if !dev.ReadSectors(partitionStartLBA, 1, vbr[:]) {
		return nil, errIO
	}

	if string(vbr[3:11]) != "EXFAT   " {
		return nil, errBadVBR
	}
	for _, b := range vbr[11:64] {
		if b != 0 {
			return nil, errBadVBR
		}
	}

	fs := &FS{
		dev:                    dev,
		partitionStartLBA:      partitionStartLBA,
		fatOffset:              le32(vbr[80:84]),
		fatLength:              le32(vbr[84:88]),
		clusterHeapOffset:      le32(vbr[88:92]),
		clusterCount:           le32(vbr[92:96]),
		rootCluster:            le32(vbr[96:100]),
		bytesPerSectorShift:    vbr[108],
		sectorsPerClusterShift: vbr[109],
		bitmapContiguous:       true,
	}

	if fs.bytesPerSectorShift != 9 {
		return nil, errUnsupportedShift
	}

	fatCacheBytes := int(fs.fatLength) * storage.SectorSize
	fs.fatCache = make([]byte, fatCacheBytes)
	if !dev.ReadSectors(partitionStartLBA+fs.fatOffset, fs.fatLength, fs.fatCache) {
		return nil, errIO
	}

	if err := fs.loadBitmap(); err != nil {
		return nil, err
	}

	return fs, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b, uint32(v))
	putLE32(b[4:], uint32(v>>32))
}

func (fs *FS) sectorsPerCluster() uint32 {
	return 1 << fs.sectorsPerClusterShift
}

func (fs *FS) clusterSize() uint32 {
	return storage.SectorSize << fs.sectorsPerClusterShift
}

func (fs *FS) clusterToLBA(cluster uint32) uint32 {
	return fs.partitionStartLBA + fs.clusterHeapOffset + (cluster-2)*fs.sectorsPerCluster()
}
