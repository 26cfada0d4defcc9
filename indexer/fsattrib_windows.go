//go:build windows

package indexer

import (
	"os"
	"syscall"

	"github.com/driftsync/driftsync/metadata"
)

// readFSAttrib captures the Windows file attribute bits from fi when
// preserveWindows is set. preserveUnix is unused on this platform.
func readFSAttrib(fi os.FileInfo, preserveUnix, preserveWindows bool) metadata.FSAttrib {
	var attrib metadata.FSAttrib
	if !preserveWindows {
		return attrib
	}
	if sys, ok := fi.Sys().(*syscall.Win32FileAttributeData); ok {
		attrib.WindowsAttrib = sys.FileAttributes
	}
	return attrib
}
