package encryption

import (
	"bytes"
	"testing"

	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
)

func TestSession_InitialState(t *testing.T) {
	s := NewSession(nil)
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
	if s.Ready() {
		t.Error("new session reports ready")
	}
}

func TestSession_GenerateKeypair(t *testing.T) {
	s := NewSession(nil)
	if err := s.GenerateKeypair(); err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	if s.State() != StateKeysGenerated {
		t.Errorf("State() = %v, want keys-generated", s.State())
	}

	var zero [crypto.KeySize]byte
	if s.PublicKey() == zero {
		t.Error("public key is zero after GenerateKeypair")
	}

	// Regenerating replaces the keypair.
	first := s.PublicKey()
	if err := s.GenerateKeypair(); err != nil {
		t.Fatalf("GenerateKeypair() second call error = %v", err)
	}
	if s.PublicKey() == first {
		t.Error("GenerateKeypair() did not replace the keypair")
	}
}

func TestSession_CalculateShared_AutoGeneratesKeys(t *testing.T) {
	s := NewSession(nil)

	centralPub, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	if err := s.CalculateShared(centralPub); err != nil {
		t.Fatalf("CalculateShared() error = %v", err)
	}
	if s.State() != StateSharedDerived {
		t.Errorf("State() = %v, want shared-derived", s.State())
	}
	if s.Ready() {
		t.Error("session ready after CalculateShared; Ready requires challenge verification")
	}
}

func TestSession_CalculateShared_RejectsZeroKey(t *testing.T) {
	s := NewSession(nil)
	var zero [crypto.KeySize]byte
	if err := s.CalculateShared(zero); err == nil {
		t.Error("CalculateShared(zero key) should fail")
	}
}

func TestSession_ChallengeFlow(t *testing.T) {
	s := NewSession(nil)
	centralPub, centralSec, _ := crypto.GenerateKeypair()

	if _, err := s.GenerateChallenge(); err != ErrNoKeys {
		t.Errorf("GenerateChallenge() before shared key: error = %v, want ErrNoKeys", err)
	}

	if err := s.CalculateShared(centralPub); err != nil {
		t.Fatalf("CalculateShared() error = %v", err)
	}

	challenge, err := s.GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge() error = %v", err)
	}
	if len(challenge) != crypto.NonceSize {
		t.Errorf("challenge length = %d, want %d", len(challenge), crypto.NonceSize)
	}
	if s.State() != StateChallengeIssued {
		t.Errorf("State() = %v, want challenge-issued", s.State())
	}

	// The central computes SHA3-256 of the decrypted challenge. Here the
	// challenge is already in the clear, so hash it directly.
	confirmation := crypto.Hash(challenge)
	if !s.VerifyChallenge(confirmation[:]) {
		t.Fatal("VerifyChallenge() rejected the correct confirmation")
	}
	if !s.Ready() {
		t.Error("session not ready after successful verification")
	}

	// The shared key actually works both ways.
	nonce, _ := crypto.RandomNonce()
	ct, err := s.Encrypt([]byte("payload"), nonce)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	shared, err := crypto.DeriveShared(centralSec, s.PublicKey())
	if err != nil {
		t.Fatalf("DeriveShared() error = %v", err)
	}
	pt, err := crypto.OpenShared(ct, nonce, shared)
	if err != nil {
		t.Fatalf("central-side OpenShared() error = %v", err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Errorf("decrypted = %q, want %q", pt, "payload")
	}
}

func TestSession_VerifyChallenge_WrongConfirmation(t *testing.T) {
	s := NewSession(nil)
	centralPub, _, _ := crypto.GenerateKeypair()
	if err := s.CalculateShared(centralPub); err != nil {
		t.Fatalf("CalculateShared() error = %v", err)
	}
	challenge, err := s.GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge() error = %v", err)
	}

	wrong := crypto.Hash(append([]byte{0xFF}, challenge...))
	if s.VerifyChallenge(wrong[:]) {
		t.Error("VerifyChallenge() accepted a wrong confirmation")
	}
	if s.Ready() {
		t.Error("session ready after failed verification")
	}
	if s.State() != StateChallengeIssued {
		t.Errorf("State() = %v, want challenge-issued preserved", s.State())
	}

	// The correct confirmation still works afterwards.
	right := crypto.Hash(challenge)
	if !s.VerifyChallenge(right[:]) {
		t.Error("VerifyChallenge() rejected the correct confirmation after a failed attempt")
	}
}

func TestSession_VerifyChallenge_WrongLength(t *testing.T) {
	s := NewSession(nil)
	centralPub, _, _ := crypto.GenerateKeypair()
	s.CalculateShared(centralPub)
	s.GenerateChallenge()

	if s.VerifyChallenge(nil) {
		t.Error("VerifyChallenge(nil) accepted")
	}
	if s.VerifyChallenge(make([]byte, crypto.HashSize-1)) {
		t.Error("VerifyChallenge() accepted a short confirmation")
	}
}

func TestSession_VerifyChallenge_WithoutChallenge(t *testing.T) {
	s := NewSession(nil)
	confirmation := make([]byte, crypto.HashSize)
	if s.VerifyChallenge(confirmation) {
		t.Error("VerifyChallenge() accepted with no challenge issued")
	}
}

func TestSession_Reset(t *testing.T) {
	s := NewSession(nil)
	centralPub, _, _ := crypto.GenerateKeypair()
	s.CalculateShared(centralPub)
	challenge, _ := s.GenerateChallenge()
	confirmation := crypto.Hash(challenge)
	s.VerifyChallenge(confirmation[:])

	var events []bool
	s.SubscribeReady(func(ready bool) { events = append(events, ready) })

	s.Reset()

	if s.State() != StateIdle {
		t.Errorf("State() = %v after Reset, want idle", s.State())
	}
	if s.Ready() {
		t.Error("session ready after Reset")
	}
	var zero [crypto.KeySize]byte
	if s.PublicKey() != zero {
		t.Error("public key not cleared by Reset")
	}
	if len(events) != 1 || events[0] {
		t.Errorf("ready events = %v, want [false]", events)
	}

	// Encryption fails once the key material is gone.
	nonce, _ := crypto.RandomNonce()
	if _, err := s.Encrypt([]byte("x"), nonce); err != ErrNoKeys {
		t.Errorf("Encrypt() after Reset: error = %v, want ErrNoKeys", err)
	}
}

func TestSession_ReadySubscription(t *testing.T) {
	s := NewSession(nil)
	var events []bool
	s.SubscribeReady(func(ready bool) { events = append(events, ready) })

	centralPub, _, _ := crypto.GenerateKeypair()
	s.CalculateShared(centralPub)
	challenge, _ := s.GenerateChallenge()
	confirmation := crypto.Hash(challenge)
	s.VerifyChallenge(confirmation[:])

	if len(events) != 1 || !events[0] {
		t.Errorf("ready events = %v, want [true]", events)
	}
}

func TestSession_GenerateNonce(t *testing.T) {
	s := NewSession(nil)
	n1, err := s.GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	n2, err := s.GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	if n1 == n2 {
		t.Error("GenerateNonce() produced identical nonces")
	}
}

// TestHandshake_BothRoles drives the complete challenge round trip
// between a Session and a ClientSession without any transport.
func TestHandshake_BothRoles(t *testing.T) {
	server := NewSession(nil)
	client, err := NewClientSession(nil)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}

	// INITIATE_ENCRYPTION: client key reaches the server.
	if err := server.CalculateShared(client.PublicKey()); err != nil {
		t.Fatalf("CalculateShared() error = %v", err)
	}

	challenge, err := server.GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge() error = %v", err)
	}
	challengeNonce, _ := crypto.RandomNonce()
	encryptedChallenge, err := server.Encrypt(challenge, challengeNonce)
	if err != nil {
		t.Fatalf("Encrypt(challenge) error = %v", err)
	}

	// Client decrypts the challenge and prepares the confirmation.
	replyNonce, encryptedConfirmation, err := client.ProcessChallenge(server.PublicKey(), challengeNonce, encryptedChallenge)
	if err != nil {
		t.Fatalf("ProcessChallenge() error = %v", err)
	}

	// CONFIRM_CHALLENGE: server decrypts and verifies.
	confirmation, err := server.Decrypt(encryptedConfirmation, replyNonce)
	if err != nil {
		t.Fatalf("Decrypt(confirmation) error = %v", err)
	}
	if !server.VerifyChallenge(confirmation) {
		t.Fatal("VerifyChallenge() rejected the client confirmation")
	}
	if err := client.ConfirmAcknowledged(); err != nil {
		t.Fatalf("ConfirmAcknowledged() error = %v", err)
	}

	if !server.Ready() || !client.Ready() {
		t.Fatal("both sides should be ready after the handshake")
	}

	// Encrypted application traffic flows both directions.
	nonce, _ := crypto.RandomNonce()
	ct, err := client.Encrypt([]byte("from central"), nonce)
	if err != nil {
		t.Fatalf("client Encrypt() error = %v", err)
	}
	pt, err := server.Decrypt(ct, nonce)
	if err != nil {
		t.Fatalf("server Decrypt() error = %v", err)
	}
	if !bytes.Equal(pt, []byte("from central")) {
		t.Errorf("server decrypted %q", pt)
	}

	nonce2, _ := crypto.RandomNonce()
	ct2, err := server.Encrypt([]byte("from peripheral"), nonce2)
	if err != nil {
		t.Fatalf("server Encrypt() error = %v", err)
	}
	pt2, err := client.Decrypt(ct2, nonce2)
	if err != nil {
		t.Fatalf("client Decrypt() error = %v", err)
	}
	if !bytes.Equal(pt2, []byte("from peripheral")) {
		t.Errorf("client decrypted %q", pt2)
	}
}

func TestClientSession_ConfirmBeforeChallenge(t *testing.T) {
	client, err := NewClientSession(nil)
	if err != nil {
		t.Fatalf("NewClientSession() error = %v", err)
	}
	if err := client.ConfirmAcknowledged(); err != ErrNoChallenge {
		t.Errorf("ConfirmAcknowledged() error = %v, want ErrNoChallenge", err)
	}
}
