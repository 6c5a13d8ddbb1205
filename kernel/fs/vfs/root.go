package vfs

// root is the single mounted filesystem backing every path-based syscall.
// anyOS mounts exactly one filesystem at boot (see kernel/kmain), so a
// package-level singleton is simpler than a full mount-table indirection
// layer and matches the scope of what CreateEntry/Lookup/etc. actually need.
var root FileSystem

// Mount installs fs as the filesystem every Lookup/Open/etc. syscall
// resolves paths against.
func Mount(fs FileSystem) {
	root = fs
}

// Root returns the currently mounted filesystem, or nil if none has been
// mounted yet.
func Root() FileSystem {
	return root
}
