package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/driftsync/driftsync/assembler"
	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/chunkstore"
	"github.com/driftsync/driftsync/control"
	"github.com/driftsync/driftsync/discovery"
	"github.com/driftsync/driftsync/downloader"
	"github.com/driftsync/driftsync/folder"
	"github.com/driftsync/driftsync/index"
	"github.com/driftsync/driftsync/indexer"
	"github.com/driftsync/driftsync/nodeidentity"
	"github.com/driftsync/driftsync/peer"
	"github.com/driftsync/driftsync/persist"
	"github.com/driftsync/driftsync/portmap"
	"github.com/driftsync/driftsync/secret"
	"github.com/driftsync/driftsync/uploader"
)

const userAgent = "driftsyncd/1"

// node wires together every component one configured folder needs: the
// Index/ChunkStorage/Assembler/Indexer quartet, the folder.Group actor that
// coordinates them, its Downloader/Uploader, and the TLS listener peers dial
// into. This is driftsyncd's equivalent of one of the teacher's modules
// being constructed in siad/main.go's NewCustom(...) call chain.
type node struct {
	cfg    folderConfig
	id     folder.ID
	secret secret.Secret
	group  *folder.Group
	idx    *index.Index
	ix     *indexer.Indexer
	dl     *downloader.Downloader
	ul     *uploader.Uploader

	nodeID *nodeidentity.Identity
	ln     *nodeidentity.Listener
	port   int

	pm        *portmap.Mapper
	portmapID string

	cancel context.CancelFunc
}

func newNode(fc folderConfig, nodeID *nodeidentity.Identity, listenHost string, port int, pm *portmap.Mapper, disc *discovery.Manager, log *persist.Logger) (*node, error) {
	s, err := secret.Parse(fc.Secret)
	if err != nil {
		return nil, fmt.Errorf("parsing secret for folder %q: %w", fc.Path, err)
	}

	sysPath := fc.systemPath()
	idx, err := index.Open(filepath.Join(sysPath, "meta.db"), s.Verify)
	if err != nil {
		return nil, fmt.Errorf("opening index for folder %q: %w", fc.Path, err)
	}

	key, err := s.SymmetricKey()
	if err != nil {
		idx.Close()
		return nil, err
	}
	store, err := chunkstore.New(sysPath, key, nil, 64<<20)
	if err != nil {
		idx.Close()
		return nil, err
	}

	strategy, err := fc.assemblerStrategy()
	if err != nil {
		idx.Close()
		return nil, err
	}
	asm := assembler.New(assembler.Config{
		Root:                 fc.Path,
		ArchiveDir:           filepath.Join(sysPath, "archive"),
		Strategy:             strategy,
		TrashTTL:             fc.TrashTTL,
		MaxTimestampArchives: fc.MaxTimestampArchives,
	}, store, key)

	ixCfg := fc.indexerConfig(indexer.Config{ChunkerParams: chunker.DefaultParams()})
	ix, err := indexer.New(ixCfg, idx, store, s)
	if err != nil {
		idx.Close()
		return nil, err
	}

	group := folder.New(folder.Config{Name: filepath.Base(fc.Path)}, s, idx, store, asm, ix, log)

	dl := downloader.New(downloader.Config{}, store, group.AssembleIfReady, log)
	group.SetDownloader(dl)

	ul := uploader.New(uploader.Config{}, store, log)
	group.SetUploader(ul)

	ln, err := nodeID.Listen("tcp", net.JoinHostPort(listenHost, strconv.Itoa(port)))
	if err != nil {
		idx.Close()
		return nil, err
	}

	var folderID folder.ID
	fid := s.FolderID()
	copy(folderID[:], fid[:])
	portmapID := "folder-" + hex.EncodeToString(folderID[:])
	if pm != nil {
		if err := pm.AddPort(context.Background(), portmapID, uint16(port), portmap.TCP, "driftsync "+filepath.Base(fc.Path)); err != nil && log != nil {
			log.Printf("WARN: port mapping failed for folder %q: %v\n", fc.Path, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{
		cfg: fc, id: folderID, secret: s, group: group, idx: idx, ix: ix, dl: dl, ul: ul,
		nodeID: nodeID, ln: ln, port: port, pm: pm, portmapID: portmapID, cancel: cancel,
	}

	go n.acceptLoop(log)

	for _, addr := range fc.StaticPeers {
		disc.Watch(ctx, folderID, staticPeerSource{addr: addr})
	}

	return n, nil
}

func (n *node) acceptLoop(log *persist.Logger) {
	for {
		conn, digest, err := n.ln.Accept()
		if err != nil {
			return
		}
		go n.handleAccepted(conn, digest, log)
	}
}

func (n *node) handleAccepted(conn *bwconn.Conn, theirDigest []byte, log *persist.Logger) {
	sess, err := peer.Handshake(conn, n.secret, filepath.Base(n.cfg.Path), userAgent, n.nodeID.Digest(), theirDigest)
	if err != nil {
		conn.Close()
		if log != nil {
			log.Printf("WARN: handshake from %v failed: %v\n", conn.RemoteAddr(), err)
		}
		return
	}
	if err := n.group.AddPeer(sess); err != nil && log != nil {
		log.Printf("WARN: adding accepted peer failed: %v\n", err)
	}
}

// dial connects out to addr and, on a successful handshake, attaches the
// resulting session to this folder's Group. Used both for static peers
// configured up front and as the Dial target a discovery.Manager calls.
func (n *node) dial(addr string, log *persist.Logger) {
	conn, theirDigest, err := n.nodeID.Dial("tcp", addr)
	if err != nil {
		if log != nil {
			log.Printf("WARN: dialing %v for folder %q: %v\n", addr, n.cfg.Path, err)
		}
		return
	}
	sess, err := peer.Handshake(conn, n.secret, filepath.Base(n.cfg.Path), userAgent, n.nodeID.Digest(), theirDigest)
	if err != nil {
		conn.Close()
		if log != nil {
			log.Printf("WARN: handshake with %v failed: %v\n", addr, err)
		}
		return
	}
	if err := n.group.AddPeer(sess); err != nil && log != nil {
		log.Printf("WARN: adding peer %v failed: %v\n", addr, err)
	}
}

// controlState builds this folder's control.FolderState row, queried once a
// second by control.Server's push loop.
func (n *node) controlState() control.FolderState {
	status, err := n.idx.Status()
	fs := control.FolderState{
		Path:       n.cfg.Path,
		Secret:     n.cfg.Secret,
		IsIndexing: n.ix.Active(),
	}
	if err == nil {
		fs.FileCount = status.Files
		fs.DirCount = status.Directories
		fs.SymlinkCount = status.Symlinks
		fs.DeletedCount = status.Deleted
	}
	for _, sess := range n.group.Peers() {
		c := sess.Counters()
		fs.Peers = append(fs.Peers, control.PeerState{
			Endpoint:   sess.RemoteAddr().String(),
			ClientName: sess.PeerName,
			UserAgent:  sess.UserAgent,
			UpBytes:    c.UpTotal,
			DownBytes:  c.DownTotal,
		})
	}
	return fs
}

func (n *node) close() error {
	n.cancel()
	if n.pm != nil {
		n.pm.RemovePort(n.portmapID)
	}
	n.ln.Close()
	n.dl.Close()
	n.ul.Close()
	if err := n.group.Close(); err != nil {
		n.idx.Close()
		return err
	}
	return n.idx.Close()
}

// staticPeerSource reports its single fixed endpoint once and then blocks,
// letting discovery.Manager's dedup and the regular dial-on-discover path
// handle it uniformly with any future mDNS/DHT source (SPEC_FULL.md §C.3).
type staticPeerSource struct{ addr string }

func (s staticPeerSource) Run(ctx context.Context, id folder.ID, report func(discovery.Endpoint)) error {
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	report(discovery.Endpoint{Host: host, Port: uint16(port)})
	<-ctx.Done()
	return nil
}
