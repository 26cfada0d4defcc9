// Package errs enumerates the sentinel error kinds from the folder
// synchronization engine's error-handling design: per-connection errors
// close a peer session, per-file errors are logged and retried, DBCorrupted
// taints the whole folder, and RevisionRegress/NoSuchMeta/NoSuchChunk are
// expected control-flow signals rather than user-facing failures. Grounded
// on the teacher's build.ExtendErr/build.ComposeErrors composition style
// (see build/errors.go) plus gitlab.com/NebulousLabs/errors for richer
// wrapping where a call site needs to test an error's identity after it has
// crossed a goroutine boundary.
package errs

import "errors"

var (
	// AuthFailed is returned when a peer's handshake HMAC does not verify.
	AuthFailed = errors.New("auth failed")

	// Loopback is returned when a dialed peer turns out to be ourselves.
	Loopback = errors.New("connected to self")

	// CapabilityMissing is returned when an operation requires a secret
	// tier higher than the one held.
	CapabilityMissing = errors.New("capability missing for this secret tier")

	// InvalidSignature is returned when a SignedMeta's signature does not
	// verify under the folder's public key.
	InvalidSignature = errors.New("invalid signature")

	// NoSuchMeta is returned by Index.GetMeta when no meta matches, or when
	// a path-revision lookup's revision does not match the stored one.
	NoSuchMeta = errors.New("no such meta")

	// NoSuchChunk is returned when a requested chunk is not present in any
	// storage layer.
	NoSuchChunk = errors.New("no such chunk")

	// IndexInterrupted is returned when indexing a file is aborted
	// mid-stream because the owning folder was deactivated.
	IndexInterrupted = errors.New("index interrupted")

	// DBCorrupted is returned when the metadata database fails an
	// integrity check it cannot recover from.
	DBCorrupted = errors.New("metadata database corrupted")

	// ProtocolViolation is returned when a peer sends an ill-formed or
	// out-of-order protocol message.
	ProtocolViolation = errors.New("protocol violation")

	// Timeout is returned when a request does not complete within its
	// deadline.
	Timeout = errors.New("timeout")

	// RevisionRegress is returned when an incoming Meta's revision does not
	// exceed the stored one.
	RevisionRegress = errors.New("revision regress")
)
