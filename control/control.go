// Package control implements the local control RPC of spec.md §6: a
// line-delimited JSON socket accepting set_config/add_folder/remove_folder
// commands and pushing a state object once a second.
//
// Grounded on modules/gateway/peers.go's permanentListen/threadedAcceptConn
// accept loop (one goroutine per connection, threadgroup-guarded), adapted
// from the peer wire protocol's framed/binary transport to newline-
// delimited JSON because spec.md §6 specifies this RPC as a separate, local,
// human-inspectable channel. The push-every-second "state" shape and its
// nested peers[] rows (up_bytes/down_bytes/up_bandwidth/down_bandwidth) are
// grounded on daemon/control/ControlServer.cpp and daemon/p2p/
// BandwidthCounter.h.
package control

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/driftsync/driftsync/persist"
)

// PeerState is one row of a FolderState's peers[] array.
type PeerState struct {
	Endpoint      string `json:"endpoint"`
	ClientName    string `json:"client_name"`
	UserAgent     string `json:"user_agent"`
	UpBytes       int64  `json:"up_bytes"`
	DownBytes     int64  `json:"down_bytes"`
	UpBandwidth   int64  `json:"up_bandwidth"`
	DownBandwidth int64  `json:"down_bandwidth"`
}

// FolderState is one row of State.Folders.
type FolderState struct {
	Path         string      `json:"path"`
	Secret       string      `json:"secret"`
	IsIndexing   bool        `json:"is_indexing"`
	FileCount    int         `json:"file_count"`
	DirCount     int         `json:"dir_count"`
	SymlinkCount int         `json:"symlink_count"`
	DeletedCount int         `json:"deleted_count"`
	Peers        []PeerState `json:"peers"`
}

// Globals carries the process-wide settings set_config can change.
type Globals struct {
	ListenAddr  string `json:"listen_addr"`
	UseUPnP     bool   `json:"use_upnp"`
	NodeKeyPath string `json:"node_key_path"`
}

// State is the object pushed once a second, wrapped as {"kind":"state",...}.
type State struct {
	Globals       Globals       `json:"globals"`
	Folders       []FolderState `json:"folders"`
	DHTNodesCount int           `json:"dht_nodes_count"`
}

// pushFrame is what actually goes over the wire for a state push.
type pushFrame struct {
	Kind  string `json:"kind"`
	State State  `json:"state"`
}

// command is the shape of every line the client sends us.
type command struct {
	Kind string `json:"kind"`

	// set_config
	Globals *Globals `json:"globals,omitempty"`

	// add_folder
	Folder *FolderSpec `json:"folder,omitempty"`

	// remove_folder
	Secret string `json:"secret,omitempty"`
}

// FolderSpec is the payload of an add_folder command.
type FolderSpec struct {
	Path   string `json:"path"`
	Secret string `json:"secret"`
}

// Handlers are invoked as commands arrive. All three are optional; a nil
// handler makes that command a no-op.
type Handlers struct {
	SetConfig    func(Globals)
	AddFolder    func(FolderSpec) error
	RemoveFolder func(secret string) error
}

// StateSource is queried once a second to build the next push. Typically
// implemented by whatever process-level object owns every folder.Group.
type StateSource interface {
	ControlState() State
}

// pushInterval matches spec.md §6's "pushes once per second."
const pushInterval = time.Second

// Server accepts local control connections and runs the push/command loop
// on each.
type Server struct {
	listener net.Listener
	source   StateSource
	handlers Handlers
	log      *persist.Logger
	threads  threadgroup.ThreadGroup
}

// Listen opens network (e.g. "unix") on addr (a socket path) and returns a
// Server ready to Serve.
func Listen(network, addr string, source StateSource, h Handlers, log *persist.Logger) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, source: source, handlers: h, log: log}, nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if s.threads.Add() != nil {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting connections and waits for in-flight ones to finish.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.threads.Stop()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.threads.Done()
	defer conn.Close()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(2)
	go func() { defer wg.Done(); s.pushLoop(conn, done) }()
	go func() { defer wg.Done(); s.commandLoop(conn, done) }()
	wg.Wait()
}

func (s *Server) pushLoop(conn net.Conn, done chan struct{}) {
	enc := json.NewEncoder(conn)
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.threads.StopChan():
			return
		case <-ticker.C:
			state := State{}
			if s.source != nil {
				state = s.source.ControlState()
			}
			if err := enc.Encode(pushFrame{Kind: "state", State: state}); err != nil {
				s.logf("WARN: control push failed: %v", err)
				return
			}
		}
	}
}

func (s *Server) commandLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			s.logf("WARN: control command decode failed: %v", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Server) dispatch(cmd command) {
	switch cmd.Kind {
	case "set_config":
		if s.handlers.SetConfig != nil && cmd.Globals != nil {
			s.handlers.SetConfig(*cmd.Globals)
		}
	case "add_folder":
		if s.handlers.AddFolder != nil && cmd.Folder != nil {
			if err := s.handlers.AddFolder(*cmd.Folder); err != nil {
				s.logf("WARN: add_folder failed: %v", err)
			}
		}
	case "remove_folder":
		if s.handlers.RemoveFolder != nil {
			if err := s.handlers.RemoveFolder(cmd.Secret); err != nil {
				s.logf("WARN: remove_folder failed: %v", err)
			}
		}
	default:
		s.logf("WARN: unknown control command %q", cmd.Kind)
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format+"\n", args...)
	}
}
