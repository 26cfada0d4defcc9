package peer

import (
	"bufio"
	"fmt"

	"github.com/driftsync/driftsync/bwconn"
	"github.com/driftsync/driftsync/errs"
	"github.com/driftsync/driftsync/persist"
	"github.com/driftsync/driftsync/secret"
	"github.com/driftsync/driftsync/wire"
)

// Handshake performs spec.md §4.10's post-TLS exchange: both sides send
// handshake{folder_id, peer_name, user_agent, auth_token}, and each verifies
// the other's auth_token proves possession of the folder's symmetric key.
// ourCertDigest/theirCertDigest are the certificate-public-key hashes TLS
// already bound the connection to; an equal pair means we dialed ourselves
// and Handshake returns errs.Loopback.
func Handshake(conn *bwconn.Conn, s secret.Secret, peerName, userAgent string, ourCertDigest, theirCertDigest []byte) (*Session, error) {
	if string(ourCertDigest) == string(theirCertDigest) {
		return nil, errs.Loopback
	}

	ourToken, err := s.AuthToken(ourCertDigest, theirCertDigest)
	if err != nil {
		return nil, err
	}
	folderID := [28]byte(s.FolderID())
	out := wire.Handshake{
		FolderID:  folderID,
		PeerName:  peerName,
		UserAgent: userAgent,
		AuthToken: ourToken,
	}
	if err := wire.Encode(conn, wire.KindHandshake, out); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	frame, err := wire.ReadFrame(br)
	if err != nil {
		return nil, err
	}
	if frame.Kind != wire.KindHandshake {
		return nil, fmt.Errorf("peer: expected handshake, got %v: %w", frame.Kind, errs.ProtocolViolation)
	}
	var in wire.Handshake
	if err := frame.Decode(&in); err != nil {
		return nil, err
	}
	if in.FolderID != folderID {
		return nil, errs.ProtocolViolation
	}
	if err := s.VerifyAuthToken(in.AuthToken, theirCertDigest, ourCertDigest); err != nil {
		return nil, errs.AuthFailed
	}

	var identity Identity
	copy(identity[:], theirCertDigest)
	sess := New(conn, identity, in.PeerName, in.UserAgent, Handlers{}, nil)
	sess.br = br
	return sess, nil
}

// WithHandlers replaces the session's message handlers; used once the
// caller (folder.Group) has constructed callbacks bound to this session.
func (s *Session) WithHandlers(h Handlers) *Session {
	s.handlers = h
	return s
}

// WithLogger replaces the session's logger.
func (s *Session) WithLogger(log *persist.Logger) *Session {
	s.log = log
	return s
}
