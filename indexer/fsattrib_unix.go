//go:build !windows

package indexer

import (
	"os"
	"syscall"

	"github.com/driftsync/driftsync/metadata"
)

// readFSAttrib captures the POSIX mode/uid/gid from fi when preserveUnix is
// set. preserveWindows is unused on this platform.
func readFSAttrib(fi os.FileInfo, preserveUnix, preserveWindows bool) metadata.FSAttrib {
	var attrib metadata.FSAttrib
	if !preserveUnix {
		return attrib
	}
	attrib.Mode = uint32(fi.Mode().Perm())
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		attrib.UID = st.Uid
		attrib.GID = st.Gid
	}
	return attrib
}
