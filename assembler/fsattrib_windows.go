//go:build windows

package assembler

import (
	"golang.org/x/sys/windows"

	"github.com/driftsync/driftsync/metadata"
)

// applyFSAttrib applies the recorded Windows file attribute bits to path.
func applyFSAttrib(path string, attrib metadata.FSAttrib) error {
	if attrib.WindowsAttrib == 0 {
		return nil
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrib.WindowsAttrib)
}
