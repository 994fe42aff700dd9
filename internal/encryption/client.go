package encryption

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
)

// ClientSession is the central-role counterpart of Session. It drives
// the handshake from the other side: announce the local public key,
// decrypt the peripheral's challenge, echo its SHA3-256 digest and wait
// for the acknowledgement.
type ClientSession struct {
	mu sync.Mutex

	publicKey        [crypto.KeySize]byte
	secretKey        [crypto.KeySize]byte
	serverPublicKey  [crypto.KeySize]byte
	sharedKey        [crypto.KeySize]byte
	confirmationSent bool
	ready            bool

	logger *slog.Logger
}

// NewClientSession creates a client session with a fresh keypair.
func NewClientSession(logger *slog.Logger) (*ClientSession, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	pub, sec, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		publicKey: pub,
		secretKey: sec,
		logger:    logger.With(logging.KeyComponent, "encryption-client"),
	}, nil
}

// PublicKey returns the key announced in INITIATE_ENCRYPTION.
func (c *ClientSession) PublicKey() [crypto.KeySize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicKey
}

// Ready reports whether the peripheral acknowledged the confirmation.
func (c *ClientSession) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ProcessChallenge derives the shared key from the peripheral's public
// key, decrypts the challenge envelope and returns the confirmation
// reply: a fresh nonce and the encrypted SHA3-256 digest of the
// challenge, ready for CONFIRM_CHALLENGE.
func (c *ClientSession) ProcessChallenge(serverPublic [crypto.KeySize]byte, nonce [crypto.NonceSize]byte, encryptedChallenge []byte) (replyNonce [crypto.NonceSize]byte, encryptedConfirmation []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	shared, err := crypto.DeriveShared(c.secretKey, serverPublic)
	if err != nil {
		return replyNonce, nil, fmt.Errorf("derive shared key: %w", err)
	}
	c.serverPublicKey = serverPublic
	c.sharedKey = shared

	challenge, err := crypto.OpenShared(encryptedChallenge, nonce, c.sharedKey)
	if err != nil {
		return replyNonce, nil, fmt.Errorf("decrypt challenge: %w", err)
	}

	confirmation := crypto.Hash(challenge)

	replyNonce, err = crypto.RandomNonce()
	if err != nil {
		return replyNonce, nil, err
	}
	encryptedConfirmation = crypto.SealShared(confirmation[:], replyNonce, c.sharedKey)
	c.confirmationSent = true

	c.logger.Debug("challenge decrypted, confirmation prepared")
	return replyNonce, encryptedConfirmation, nil
}

// ConfirmAcknowledged marks the session ready after the peripheral
// responded to CONFIRM_CHALLENGE with success.
func (c *ClientSession) ConfirmAcknowledged() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.confirmationSent {
		return ErrNoChallenge
	}
	c.ready = true
	c.logger.Info("encryption established")
	return nil
}

// Encrypt seals plaintext for the peripheral.
func (c *ClientSession) Encrypt(plaintext []byte, nonce [crypto.NonceSize]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil, ErrNotReady
	}
	return crypto.SealShared(plaintext, nonce, c.sharedKey), nil
}

// Decrypt opens an envelope ciphertext from the peripheral.
func (c *ClientSession) Decrypt(ciphertext []byte, nonce [crypto.NonceSize]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil, ErrNotReady
	}
	return crypto.OpenShared(ciphertext, nonce, c.sharedKey)
}

// Reset zeroes all key material.
func (c *ClientSession) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	crypto.ZeroKey(&c.publicKey)
	crypto.ZeroKey(&c.secretKey)
	crypto.ZeroKey(&c.serverPublicKey)
	crypto.ZeroKey(&c.sharedKey)
	c.confirmationSent = false
	c.ready = false
}
