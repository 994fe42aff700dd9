// Package encryption holds the per-connection encryption session: local
// keypair, the connected central's public key, the precomputed shared
// key and the challenge/response handshake state. A session starts
// unencrypted and becomes Ready only once the central has proven
// possession of the shared key by echoing the challenge digest.
package encryption

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"

	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
)

// State describes the handshake progress of a session.
type State int

const (
	// StateIdle means no key material is present.
	StateIdle State = iota

	// StateKeysGenerated means a local keypair exists but no central key
	// has been received.
	StateKeysGenerated

	// StateSharedDerived means the shared key with the central has been
	// precomputed.
	StateSharedDerived

	// StateChallengeIssued means a challenge has been sent and its digest
	// is retained for verification.
	StateChallengeIssued

	// StateReady means the central has verified the challenge; encrypted
	// services may transmit.
	StateReady
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeysGenerated:
		return "keys-generated"
	case StateSharedDerived:
		return "shared-derived"
	case StateChallengeIssued:
		return "challenge-issued"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

var (
	// ErrNoKeys is returned when an operation needs key material that has
	// not been generated or received yet.
	ErrNoKeys = errors.New("session has no key material")

	// ErrNoChallenge is returned when a confirmation arrives before a
	// challenge was issued.
	ErrNoChallenge = errors.New("no challenge issued")

	// ErrNotReady is returned when encrypted traffic is attempted before
	// the handshake completed.
	ErrNotReady = errors.New("encryption session not ready")
)

// ReadyFunc is called whenever the session's ready flag flips. Data
// handlers subscribe to gate encrypted services.
type ReadyFunc func(ready bool)

// Session is the peripheral-side encryption session. All methods are
// safe for concurrent use, although the server drives them from a single
// event loop.
type Session struct {
	mu sync.Mutex

	state            State
	publicKey        [crypto.KeySize]byte
	secretKey        [crypto.KeySize]byte
	centralPublicKey [crypto.KeySize]byte
	sharedKey        [crypto.KeySize]byte

	// SHA3-256 of the issued challenge, retained to verify the echo.
	expectedConfirmation [crypto.HashSize]byte

	subscribers []ReadyFunc
	logger      *slog.Logger
}

// NewSession creates an idle session.
func NewSession(logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{logger: logger.With(logging.KeyComponent, "encryption")}
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the handshake has completed.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// SubscribeReady registers fn to be called on every ready transition.
// Subscribers are invoked synchronously, outside the session lock.
func (s *Session) SubscribeReady(fn ReadyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Reset zeroes all key material and returns the session to Idle. If the
// session was Ready, subscribers are notified that encryption is gone.
func (s *Session) Reset() {
	s.mu.Lock()
	wasReady := s.state == StateReady
	crypto.ZeroKey(&s.publicKey)
	crypto.ZeroKey(&s.secretKey)
	crypto.ZeroKey(&s.centralPublicKey)
	crypto.ZeroKey(&s.sharedKey)
	crypto.ZeroBytes(s.expectedConfirmation[:])
	s.state = StateIdle
	s.mu.Unlock()

	s.logger.Debug("session reset")
	if wasReady {
		s.notifyReady(false)
	}
}

// GenerateKeypair resets the session and installs a fresh X25519
// keypair. Called at server start and on every central connection.
func (s *Session) GenerateKeypair() error {
	s.Reset()

	pub, sec, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.publicKey = pub
	s.secretKey = sec
	s.state = StateKeysGenerated
	s.mu.Unlock()

	s.logger.Debug("generated session keypair")
	return nil
}

// PublicKey returns the local public key revealed to the central during
// the handshake.
func (s *Session) PublicKey() [crypto.KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicKey
}

// CalculateShared stores the central's public key and precomputes the
// shared key. A missing local keypair is generated on demand. The
// session does NOT become Ready here; that requires the challenge
// round trip. A Ready session drops back to SharedDerived and its
// subscribers are notified.
func (s *Session) CalculateShared(centralPublic [crypto.KeySize]byte) error {
	s.mu.Lock()
	var zero [crypto.KeySize]byte
	needKeys := s.publicKey == zero || s.secretKey == zero
	s.mu.Unlock()

	if needKeys {
		if err := s.GenerateKeypair(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	shared, err := crypto.DeriveShared(s.secretKey, centralPublic)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	wasReady := s.state == StateReady
	s.centralPublicKey = centralPublic
	s.sharedKey = shared
	s.state = StateSharedDerived
	s.mu.Unlock()

	s.logger.Debug("derived shared key for central")
	if wasReady {
		s.notifyReady(false)
	}
	return nil
}

// GenerateChallenge produces a fresh random 24-byte challenge, retains
// its SHA3-256 digest as the expected confirmation and returns the raw
// challenge bytes for the caller to encrypt and send.
func (s *Session) GenerateChallenge() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state < StateSharedDerived {
		return nil, ErrNoKeys
	}

	challenge, err := crypto.RandomBytes(crypto.NonceSize)
	if err != nil {
		return nil, err
	}

	s.expectedConfirmation = crypto.Hash(challenge)
	s.state = StateChallengeIssued

	s.logger.Debug("issued handshake challenge")
	return challenge, nil
}

// VerifyChallenge compares the central's confirmation against the stored
// digest in constant time. On success the session becomes Ready and
// subscribers are notified; on failure the state is unchanged.
func (s *Session) VerifyChallenge(confirmation []byte) bool {
	s.mu.Lock()

	if s.state != StateChallengeIssued {
		s.mu.Unlock()
		return false
	}
	if !hashEqual(s.expectedConfirmation, confirmation) {
		s.mu.Unlock()
		s.logger.Warn("challenge confirmation does not match the expected value")
		return false
	}

	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("encryption established")
	s.notifyReady(true)
	return true
}

// Encrypt seals plaintext under the precomputed shared key.
func (s *Session) Encrypt(plaintext []byte, nonce [crypto.NonceSize]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state < StateSharedDerived {
		return nil, ErrNoKeys
	}
	return crypto.SealShared(plaintext, nonce, s.sharedKey), nil
}

// Decrypt opens a ciphertext under the precomputed shared key.
func (s *Session) Decrypt(ciphertext []byte, nonce [crypto.NonceSize]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state < StateSharedDerived {
		return nil, ErrNoKeys
	}
	return crypto.OpenShared(ciphertext, nonce, s.sharedKey)
}

// GenerateNonce returns a fresh random nonce for an outbound envelope.
func (s *Session) GenerateNonce() ([crypto.NonceSize]byte, error) {
	return crypto.RandomNonce()
}

// hashEqual compares a candidate confirmation against the expected
// digest in constant time.
func hashEqual(expected [crypto.HashSize]byte, candidate []byte) bool {
	if len(candidate) != crypto.HashSize {
		return false
	}
	return subtle.ConstantTimeCompare(expected[:], candidate) == 1
}

func (s *Session) notifyReady(ready bool) {
	s.mu.Lock()
	subs := make([]ReadyFunc, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ready)
	}
}
