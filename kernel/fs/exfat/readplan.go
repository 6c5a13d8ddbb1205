package exfat

import (
	"anyos/device/storage"
	"anyos/kernel/fs/vfs"
)

// run is one contiguous span of a file's data on disk.
type run struct {
	lba         uint32
	sectorCount uint32
}

// ReadPlan is computed while the filesystem's lock is held (it only touches
// the in-memory FAT cache) and executed afterwards with no lock held, so a
// slow disk read never blocks other filesystem operations.
type ReadPlan struct {
	runs     []run
	fileSize uint64
	dev      storage.BlockDevice
}

// Execute performs the actual disk reads described by the plan and returns
// the file's contents trimmed to its exact size.
func (p *ReadPlan) Execute() ([]byte, *vfs.FsError) {
	if p.fileSize == 0 {
		return nil, nil
	}

	total := 0
	for _, r := range p.runs {
		total += int(r.sectorCount) * storage.SectorSize
	}
	buf := make([]byte, total)

	offset := 0
	for _, r := range p.runs {
		bytes := int(r.sectorCount) * storage.SectorSize
		if !p.dev.ReadSectors(r.lba, r.sectorCount, buf[offset:offset+bytes]) {
			return nil, errIO
		}
		offset += bytes
	}

	if uint64(len(buf)) > p.fileSize {
		buf = buf[:p.fileSize]
	}
	return buf, nil
}

// ReadPlan builds a read plan for inode without touching the disk; callers
// should release the filesystem lock before calling Execute.
func (fs *FS) ReadPlan(inode vfs.Inode, fileSize uint64) *ReadPlan {
	startCluster, contiguous := decodeInode(inode)
	spc := fs.sectorsPerCluster()

	plan := &ReadPlan{fileSize: fileSize, dev: fs.dev}
	if fileSize == 0 || startCluster < 2 {
		return plan
	}

	if contiguous {
		cs := uint64(fs.clusterSize())
		n := uint32((fileSize + cs - 1) / cs)
		plan.runs = append(plan.runs, run{lba: fs.clusterToLBA(startCluster), sectorCount: n * spc})
		return plan
	}

	cluster := startCluster
	for {
		runStartLBA := fs.clusterToLBA(cluster)
		runClusters := uint32(1)
		last := cluster
		for {
			next, ok := fs.nextCluster(last)
			if !ok || next != last+1 {
				break
			}
			runClusters++
			last = next
		}
		plan.runs = append(plan.runs, run{lba: runStartLBA, sectorCount: runClusters * spc})

		next, ok := fs.nextCluster(last)
		if !ok {
			break
		}
		cluster = next
	}

	return plan
}
