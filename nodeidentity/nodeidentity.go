// Package nodeidentity manages the process-global TLS identity spec.md §5
// calls "the node-key (TLS identity)... process-global and immutable after
// init," and wraps Dial/Listen so every peer connection is already inside
// TLS 1.2+ (spec.md §6) by the time peer.Handshake runs on it.
//
// There is no teacher analog (the teacher's gateway dials plain TCP and
// authenticates at the application layer via its own RPC handshake); this
// package is grounded on spec.md §5/§6 directly, reusing the stdlib
// crypto/ed25519 key type secret.Secret already standardizes on and the
// golang.org/x/crypto/sha3 hash chunkcrypto already standardizes on so a
// peer's cert digest is the same 28-byte shape as peer.Identity.
package nodeidentity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/driftsync/driftsync/bwconn"
)

// certLifetime is long enough that the node-key's certificate essentially
// never needs renewing in place; identity is carried by the key, not the
// certificate's validity window.
const certLifetime = 20 * 365 * 24 * time.Hour

// Identity holds the process's long-lived TLS certificate and exposes
// Dial/Listen helpers that produce already-handshaked, bandwidth-tracked
// connections.
type Identity struct {
	cert   tls.Certificate
	digest [28]byte
}

// Load reads an existing PEM-encoded cert+key pair from certPath/keyPath,
// generating and writing a fresh self-signed one on first run.
func Load(certPath, keyPath string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if os.IsNotExist(err) {
		cert, err = generate()
		if err != nil {
			return nil, fmt.Errorf("generating node identity: %w", err)
		}
		if err := save(cert, certPath, keyPath); err != nil {
			return nil, fmt.Errorf("saving node identity: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("loading node identity: %w", err)
	}
	return fromCertificate(cert)
}

func fromCertificate(cert tls.Certificate) (*Identity, error) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, err
		}
	}
	return &Identity{cert: cert, digest: certDigest(leaf.RawSubjectPublicKeyInfo)}, nil
}

// certDigest is the 28-byte cert-public-key hash spec.md §4.10's Handshake
// uses as ourCertDigest/theirCertDigest, and what peer.Identity is keyed by.
func certDigest(der []byte) [28]byte {
	var d [28]byte
	sum := sha3.Sum224(der)
	copy(d[:], sum[:])
	return d
}

// Digest is this node's own certificate digest.
func (id *Identity) Digest() []byte { return append([]byte(nil), id.digest[:]...) }

func generate() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "driftsync node"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, nil
}

func save(cert tls.Certificate, certPath, keyPath string) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return err
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}

func (id *Identity) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{id.cert},
		InsecureSkipVerify: true, // folders authenticate via spec.md §4.10's auth_token, not a CA chain
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}
}

// Dial opens a TLS connection to addr and returns it wrapped for bandwidth
// accounting, along with the remote's certificate digest.
func (id *Identity) Dial(network, addr string) (*bwconn.Conn, []byte, error) {
	conn, err := tls.Dial(network, addr, id.tlsConfig())
	if err != nil {
		return nil, nil, err
	}
	digest, err := peerDigest(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return bwconn.New(conn), digest, nil
}

// Listener wraps a net.Listener so every Accept returns an already-TLS-
// handshaked *tls.Conn.
type Listener struct {
	net.Listener
}

// Listen opens network/addr and wraps it with this identity's TLS config.
func (id *Identity) Listen(network, addr string) (*Listener, error) {
	ln, err := tls.Listen(network, addr, id.tlsConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln}, nil
}

// Accept blocks for the next connection, completes its TLS handshake, and
// returns it wrapped for bandwidth accounting along with the peer's
// certificate digest.
func (l *Listener) Accept() (*bwconn.Conn, []byte, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, nil, err
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("nodeidentity: accepted non-TLS connection")
	}
	digest, err := peerDigest(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, nil, err
	}
	return bwconn.New(tlsConn), digest, nil
}

func peerDigest(conn *tls.Conn) ([]byte, error) {
	if err := conn.Handshake(); err != nil {
		return nil, err
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("nodeidentity: peer presented no certificate")
	}
	d := certDigest(state.PeerCertificates[0].RawSubjectPublicKeyInfo)
	return d[:], nil
}
