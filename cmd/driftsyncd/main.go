// Command driftsyncd is the peer-to-peer synchronization daemon: it loads a
// config file naming one or more folders, opens each one's index/chunk
// store/assembler, listens for and dials peers over TLS, and serves the
// local control RPC of spec.md §6.
//
// Grounded on cmd/siad/main.go's cobra root command plus a signal-driven
// shutdown, adapted from a single monolithic module set to a dynamic list of
// per-folder nodes.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/control"
	"github.com/driftsync/driftsync/discovery"
	"github.com/driftsync/driftsync/folder"
	"github.com/driftsync/driftsync/nodeidentity"
	"github.com/driftsync/driftsync/persist"
	"github.com/driftsync/driftsync/portmap"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "driftsyncd",
		Short: "driftsync peer-to-peer folder synchronization daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "driftsyncd.json", "path to the daemon config file")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon owns every configured folder's node and answers the control RPC's
// queries about all of them.
type daemon struct {
	cfg config
	log *persist.Logger

	pm   *portmap.Mapper
	disc *discovery.Manager

	mu    sync.Mutex
	nodes map[folder.ID]*node
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := persist.NewFileLogger(filepath.Join(cfg.DataDir, "driftsyncd.log"))
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer log.Close()

	nodeID, err := nodeidentity.Load(cfg.nodeCertPath(), cfg.nodeKeyPath())
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}

	var pm *portmap.Mapper
	if cfg.UseUPnP {
		pm = portmap.New(log)
	}

	d := &daemon{cfg: cfg, log: log, pm: pm, nodes: make(map[folder.ID]*node)}
	d.disc = discovery.NewManager(d.dialDiscovered, log)

	listenHost, basePortStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing listen_addr %q: %w", cfg.ListenAddr, err)
	}
	basePort, err := strconv.Atoi(basePortStr)
	if err != nil {
		return fmt.Errorf("parsing listen_addr port %q: %w", cfg.ListenAddr, err)
	}

	for i, fc := range cfg.Folders {
		if _, err := d.addFolder(fc, nodeID, listenHost, basePort+i); err != nil {
			return fmt.Errorf("starting folder %q: %w", fc.Path, err)
		}
	}

	ctl, err := control.Listen("unix", cfg.ControlSocket, d, control.Handlers{
		SetConfig:    d.handleSetConfig,
		AddFolder:    func(spec control.FolderSpec) error { return d.handleAddFolder(spec, nodeID, listenHost, basePort) },
		RemoveFolder: d.handleRemoveFolder,
	}, log)
	if err != nil {
		return fmt.Errorf("opening control socket %q: %w", cfg.ControlSocket, err)
	}
	go ctl.Serve()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("INFO: shutting down\n")
	ctl.Close()
	d.closeAll()
	return nil
}

// addFolder starts a node for fc and registers it under the daemon's
// folder.ID -> node map, keyed by the 8-byte id cmd/driftsyncd derives from
// fc's secret (node.go's newNode does the same derivation internally; here
// we only need it to route discovered endpoints back to the right node).
func (d *daemon) addFolder(fc folderConfig, nodeID *nodeidentity.Identity, listenHost string, port int) (*node, error) {
	d.mu.Lock()
	pm := d.pm
	d.mu.Unlock()

	n, err := newNode(fc, nodeID, listenHost, port, pm, d.disc, d.log)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.nodes[n.id] = n
	d.mu.Unlock()
	return n, nil
}

// dialDiscovered is the discovery.Manager Dial callback: it looks up which
// node owns id and asks it to dial ep, implementing spec.md §6's
// on_discovered(folder_id, endpoint) all the way through to a connection
// attempt.
func (d *daemon) dialDiscovered(id folder.ID, ep discovery.Endpoint) {
	d.mu.Lock()
	n, ok := d.nodes[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	n.dial(ep.String(), d.log)
}

func (d *daemon) closeAll() {
	d.mu.Lock()
	nodes := make([]*node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	d.mu.Unlock()
	for _, n := range nodes {
		if err := n.close(); err != nil && d.log != nil {
			d.log.Printf("WARN: closing folder %q: %v\n", n.cfg.Path, err)
		}
	}
}

// handleSetConfig updates the UPnP toggle live; listen_addr and the node key
// path are process-global and only take effect on restart (nodeidentity's
// key is immutable after init, per spec.md §5).
func (d *daemon) handleSetConfig(g control.Globals) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g.UseUPnP && d.pm == nil {
		d.pm = portmap.New(d.log)
	}
	d.cfg.UseUPnP = g.UseUPnP
}

func (d *daemon) handleAddFolder(spec control.FolderSpec, nodeID *nodeidentity.Identity, listenHost string, basePort int) error {
	d.mu.Lock()
	port := basePort + len(d.nodes)
	d.mu.Unlock()
	_, err := d.addFolder(folderConfig{Path: spec.Path, Secret: spec.Secret}, nodeID, listenHost, port)
	return err
}

func (d *daemon) handleRemoveFolder(secret string) error {
	d.mu.Lock()
	var match *node
	for id, n := range d.nodes {
		if n.cfg.Secret == secret {
			match = n
			delete(d.nodes, id)
			break
		}
	}
	d.mu.Unlock()
	if match == nil {
		return fmt.Errorf("no folder with that secret is running")
	}
	return match.close()
}

// ControlState implements control.StateSource, reporting every running
// folder's indexing status and connected peers.
func (d *daemon) ControlState() control.State {
	d.mu.Lock()
	nodes := make([]*node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	useUPnP := d.cfg.UseUPnP
	d.mu.Unlock()

	state := control.State{
		Globals: control.Globals{
			ListenAddr:  d.cfg.ListenAddr,
			UseUPnP:     useUPnP,
			NodeKeyPath: d.cfg.nodeKeyPath(),
		},
	}
	for _, n := range nodes {
		state.Folders = append(state.Folders, n.controlState())
	}
	return state
}
