package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftsync/driftsync/assembler"
	"github.com/driftsync/driftsync/indexer"
)

// folderConfig is one [[folders]] entry in the config file, carrying the
// per-folder knobs Librevault's FolderParams.h supplements spec.md §4.6
// with (see SPEC_FULL.md §C.1).
type folderConfig struct {
	Path                  string        `json:"path"`
	Secret                string        `json:"secret"`
	SystemPath            string        `json:"system_path"`
	IgnoreGlobs           []string      `json:"ignore_globs"`
	PreserveUnixAttrib    bool          `json:"preserve_unix_attrib"`
	PreserveWindowsAttrib bool          `json:"preserve_windows_attrib"`
	PreserveSymlinks      bool          `json:"preserve_symlinks"`
	IndexEventTimeout     time.Duration `json:"index_event_timeout"`
	ArchiveStrategy       string        `json:"archive_strategy"` // "none" | "trash" | "timestamp"
	MaxTimestampArchives  int           `json:"max_timestamp_archives"`
	TrashTTL              time.Duration `json:"trash_ttl"`
	StaticPeers           []string      `json:"static_peers"` // host:port, dialed on startup
}

func (fc folderConfig) systemPath() string {
	if fc.SystemPath != "" {
		return fc.SystemPath
	}
	return filepath.Join(fc.Path, ".driftsync")
}

func (fc folderConfig) assemblerStrategy() (assembler.Strategy, error) {
	switch strings.ToLower(fc.ArchiveStrategy) {
	case "", "none":
		return assembler.NoArchive, nil
	case "trash":
		return assembler.TrashArchive, nil
	case "timestamp":
		return assembler.TimestampArchive, nil
	default:
		return 0, fmt.Errorf("unknown archive_strategy %q", fc.ArchiveStrategy)
	}
}

func (fc folderConfig) ignoreFunc() func(normalizedPath []byte) bool {
	globs := append([]string(nil), fc.IgnoreGlobs...)
	return func(normalizedPath []byte) bool {
		path := string(normalizedPath)
		for _, g := range globs {
			if ok, _ := filepath.Match(g, path); ok {
				return true
			}
			if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
				return true
			}
		}
		return false
	}
}

// config is the top-level file cmd/driftsyncd loads at startup.
type config struct {
	ListenAddr    string         `json:"listen_addr"`
	ControlSocket string         `json:"control_socket"`
	DataDir       string         `json:"data_dir"`
	UseUPnP       bool           `json:"use_upnp"`
	Folders       []folderConfig `json:"folders"`
}

func (c config) nodeCertPath() string { return filepath.Join(c.DataDir, "node.crt") }
func (c config) nodeKeyPath() string  { return filepath.Join(c.DataDir, "node.key") }

func loadConfig(path string) (config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return config{}, err
	}
	var c config
	if err := json.Unmarshal(b, &c); err != nil {
		return config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":4242"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.ControlSocket == "" {
		c.ControlSocket = filepath.Join(c.DataDir, "driftsyncd.sock")
	}
	return c, nil
}

// indexerConfig projects folderConfig onto indexer.Config for one root.
func (fc folderConfig) indexerConfig(params indexer.Config) indexer.Config {
	params.Root = fc.Path
	params.Ignore = fc.ignoreFunc()
	params.PreserveSymlinks = fc.PreserveSymlinks
	params.PreserveUnixAttrib = fc.PreserveUnixAttrib
	params.PreserveWindowsAttrib = fc.PreserveWindowsAttrib
	return params
}
