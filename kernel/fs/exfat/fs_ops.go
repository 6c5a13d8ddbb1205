package exfat

import (
	"strings"

	"anyos/kernel/fs/vfs"
)

// dentry remembers which parent directory and name produced an inode.
// exFAT directory entries are keyed by (parent cluster, name), not by
// inode, so WriteFile/TruncateFile — which the vfs.FileSystem contract
// only hands an inode — need this to find their way back to the entry
// they must rewrite. It is populated as a side effect of Lookup/ReadDir
// and dropped on DeleteEntry.
type dentry struct {
	parentCluster uint32
	name          string
}

func (fs *FS) rememberDentry(inode vfs.Inode, parentCluster uint32, name string) {
	if fs.dentries == nil {
		fs.dentries = make(map[vfs.Inode]dentry)
	}
	fs.dentries[inode] = dentry{parentCluster: parentCluster, name: name}
}

func (fs *FS) forgetDentry(parentCluster uint32, name string) {
	for inode, d := range fs.dentries {
		if d.parentCluster == parentCluster && d.name == name {
			delete(fs.dentries, inode)
			return
		}
	}
}

// Lookup resolves a slash-separated path to an inode, its type and size.
func (fs *FS) Lookup(path string) (vfs.Inode, vfs.FileType, uint64, *vfs.FsError) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return encodeInode(fs.rootCluster, false), vfs.FileTypeDirectory, 0, nil
	}

	components := strings.Split(trimmed, "/")
	currentCluster := fs.rootCluster

	for idx, component := range components {
		if component == "" {
			return 0, 0, 0, errNotFound
		}
		isLast := idx == len(components)-1

		dirData, err := fs.readDirRaw(currentCluster)
		if err != nil {
			return 0, 0, 0, err
		}

		found := fs.findEntryInBuf(dirData, component)
		if found == nil {
			return 0, 0, 0, errNotFound
		}

		isDir := found.attributes&attrDirectory != 0
		if isLast {
			ft := vfs.FileTypeFile
			if isDir {
				ft = vfs.FileTypeDirectory
			}
			inode := encodeInode(found.firstCluster, found.contiguous)
			fs.rememberDentry(inode, currentCluster, component)
			return inode, ft, found.dataLength, nil
		}
		if !isDir {
			return 0, 0, 0, errNotADirectory
		}
		currentCluster = found.firstCluster
	}

	return 0, 0, 0, errNotFound
}

// ReadDir lists the entries of a directory inode.
func (fs *FS) ReadDir(dir vfs.Inode) ([]vfs.DirEntry, *vfs.FsError) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	cluster, _ := decodeInode(dir)
	raw, err := fs.readDirRaw(cluster)
	if err != nil {
		return nil, err
	}
	entries := fs.parseDirEntries(raw)
	for _, e := range entries {
		fs.rememberDentry(e.Inode, cluster, e.Name)
	}
	return entries, nil
}

// ReadFile reads into buf starting at offset, building a read plan under
// the lock and executing it (the actual disk I/O) after releasing it.
func (fs *FS) ReadFile(inode vfs.Inode, offset uint64, buf []byte) (int, *vfs.FsError) {
	fs.lock.Acquire()
	cluster, _ := decodeInode(inode)
	if cluster < 2 || len(buf) == 0 {
		fs.lock.Release()
		return 0, nil
	}
	plan := fs.ReadPlan(inode, fs.sizeOf(inode))
	fs.lock.Release()

	data, err := plan.Execute()
	if err != nil {
		return 0, err
	}
	if uint64(len(data)) <= offset {
		return 0, nil
	}
	n := copy(buf, data[offset:])
	return n, nil
}

// sizeOf recovers a file's size from its directory entry set, used by
// ReadFile since the vfs.FileSystem contract doesn't pass it one.
func (fs *FS) sizeOf(inode vfs.Inode) uint64 {
	d, ok := fs.dentries[inode]
	if !ok {
		return 0
	}
	raw, err := fs.readDirRaw(d.parentCluster)
	if err != nil {
		return 0
	}
	found := fs.findEntryInBuf(raw, d.name)
	if found == nil {
		return 0
	}
	return found.dataLength
}

// WriteFile writes data at offset, growing the file if necessary, and
// updates the owning directory entry to reflect the new cluster/size.
func (fs *FS) WriteFile(inode vfs.Inode, offset uint64, data []byte, oldSize uint64) (vfs.Inode, uint64, *vfs.FsError) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	newInode, newSize, err := fs.writeFile(inode, offset, data, oldSize)
	if err != nil {
		return 0, 0, err
	}

	if d, ok := fs.dentries[inode]; ok {
		newCluster, _ := decodeInode(newInode)
		if err := fs.updateEntry(d.parentCluster, d.name, newSize, newCluster); err != nil {
			return 0, 0, err
		}
		delete(fs.dentries, inode)
		fs.rememberDentry(newInode, d.parentCluster, d.name)
	}

	return newInode, newSize, nil
}

// CreateEntry creates a new file or directory named name inside dir.
func (fs *FS) CreateEntry(dir vfs.Inode, name string, kind vfs.FileType) (vfs.Inode, *vfs.FsError) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	parentCluster, _ := decodeInode(dir)

	raw, err := fs.readDirRaw(parentCluster)
	if err != nil {
		return 0, err
	}
	if fs.findEntryInBuf(raw, name) != nil {
		return 0, errAlreadyExists
	}

	if kind == vfs.FileTypeDirectory {
		cluster, err := fs.allocCluster()
		if err != nil {
			return 0, err
		}
		zeros := make([]byte, fs.clusterSize())
		if err := fs.writeCluster(cluster, zeros); err != nil {
			return 0, err
		}
		if err := fs.createEntry(parentCluster, name, true, cluster, 0); err != nil {
			return 0, err
		}
		inode := encodeInode(cluster, false)
		fs.rememberDentry(inode, parentCluster, name)
		return inode, nil
	}

	if err := fs.createEntry(parentCluster, name, false, 0, 0); err != nil {
		return 0, err
	}
	inode := encodeInode(0, false)
	fs.rememberDentry(inode, parentCluster, name)
	return inode, nil
}

// DeleteEntry removes the entry named name from dir.
func (fs *FS) DeleteEntry(dir vfs.Inode, name string) *vfs.FsError {
	fs.lock.Acquire()
	defer fs.lock.Release()

	parentCluster, _ := decodeInode(dir)
	if err := fs.deleteEntry(parentCluster, name); err != nil {
		return err
	}
	fs.forgetDentry(parentCluster, name)
	return nil
}

// TruncateFile sets the file's recorded size to newSize. With newSize == 0
// it frees the whole cluster chain and clears the entry's first cluster;
// any other newSize only rewrites the recorded size and frees no clusters.
func (fs *FS) TruncateFile(inode vfs.Inode, newSize uint64) *vfs.FsError {
	fs.lock.Acquire()
	defer fs.lock.Release()

	d, ok := fs.dentries[inode]
	if !ok {
		return errNotFound
	}

	raw, err := fs.readDirRaw(d.parentCluster)
	if err != nil {
		return err
	}
	found := fs.findEntryInBuf(raw, d.name)
	if found == nil {
		return errNotFound
	}

	if newSize == 0 {
		if found.firstCluster >= 2 {
			if err := fs.freeChain(found.firstCluster, found.contiguous, found.dataLength); err != nil {
				return err
			}
		}
		return fs.updateEntry(d.parentCluster, d.name, 0, 0)
	}

	return fs.updateEntry(d.parentCluster, d.name, newSize, found.firstCluster)
}
