//go:build !windows

package assembler

import (
	"golang.org/x/sys/unix"

	"github.com/driftsync/driftsync/metadata"
)

// applyFSAttrib applies the recorded POSIX mode/uid/gid to path. Failures
// (e.g. running unprivileged and trying to chown to a different uid) are
// swallowed: fsattrib preservation is best-effort, never a hard requirement
// for a file to count as assembled.
func applyFSAttrib(path string, attrib metadata.FSAttrib) error {
	if attrib.Mode != 0 {
		unix.Chmod(path, uint32(attrib.Mode))
	}
	if attrib.UID != 0 || attrib.GID != 0 {
		unix.Chown(path, int(attrib.UID), int(attrib.GID))
	}
	return nil
}
