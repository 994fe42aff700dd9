package service

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
	"github.com/nymea/libnymea-bluetoothserver/internal/encryption"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/metrics"
)

// Handshake method codes carried in the "c" field.
const (
	MethodUnknown            = -1
	MethodInitiateEncryption = 0
	MethodConfirmChallenge   = 1
)

// ResponseCode is the "r" field of a handshake response.
type ResponseCode int

const (
	ResponseCodeSuccess          ResponseCode = 0
	ResponseCodeInvalidProtocol  ResponseCode = 1
	ResponseCodeInvalidMethod    ResponseCode = 2
	ResponseCodeInvalidParams    ResponseCode = 3
	ResponseCodeInvalidKeyFormat ResponseCode = 4
	ResponseCodeAlreadyEncrypted ResponseCode = 5
	ResponseCodeEncryptionFailed ResponseCode = 6
)

// Fixed UUIDs of the Encryption service. This is the only service UUID
// that is advertised, so centrals discover the peripheral through it.
var (
	EncryptionServiceUUID      = uuid.MustParse("56c8ae10-def5-4d9c-8233-795a32d01cd2")
	EncryptionReceiverCharUUID = uuid.MustParse("56c8ae11-def5-4d9c-8233-795a32d01cd2")
	EncryptionSenderCharUUID   = uuid.MustParse("56c8ae12-def5-4d9c-8233-795a32d01cd2")
)

// handshakeRequest is one JSON request frame. Method is a pointer so a
// missing "c" is distinguishable from zero.
type handshakeRequest struct {
	Method *int              `json:"c"`
	Params map[string]string `json:"p"`
}

// handshakeResponse is one JSON response frame.
type handshakeResponse struct {
	Method int               `json:"c"`
	Code   ResponseCode      `json:"r"`
	Params map[string]string `json:"p,omitempty"`
}

// EncryptionService drives the key-agreement handshake over an
// unencrypted JSON protocol. Once the challenge round trip completes,
// the shared session switches to ready and all encryption-requiring
// services open up.
type EncryptionService struct {
	Sender

	session *encryption.Session
	logger  *slog.Logger
	m       *metrics.Metrics

	// set when INITIATE_ENCRYPTION is processed, to measure how long the
	// central takes to finish the handshake
	handshakeStart time.Time
}

// NewEncryptionService creates the handshake service bound to a session.
func NewEncryptionService(session *encryption.Session, logger *slog.Logger, m *metrics.Metrics) *EncryptionService {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &EncryptionService{
		Sender:  NewSender(),
		session: session,
		logger:  logger.With(logging.KeyService, "Encryption"),
		m:       m,
	}
}

// Name implements Service.
func (s *EncryptionService) Name() string { return "Encryption" }

// ServiceUUID implements Service.
func (s *EncryptionService) ServiceUUID() uuid.UUID { return EncryptionServiceUUID }

// ReceiverCharacteristicUUID implements Service.
func (s *EncryptionService) ReceiverCharacteristicUUID() uuid.UUID { return EncryptionReceiverCharUUID }

// SenderCharacteristicUUID implements Service.
func (s *EncryptionService) SenderCharacteristicUUID() uuid.UUID { return EncryptionSenderCharUUID }

// UseEncryption implements Service. The handshake itself rides in the
// clear.
func (s *EncryptionService) UseEncryption() bool { return false }

// Receive implements Service. Each packet is one JSON request.
func (s *EncryptionService) Receive(data []byte) {
	s.logger.Debug("handshake message received", logging.KeyBytes, len(data))

	var req handshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("received invalid json data", logging.KeyError, err)
		s.respond(MethodUnknown, ResponseCodeInvalidProtocol, nil)
		return
	}
	if req.Method == nil {
		s.logger.Warn("received request without method property")
		s.respond(MethodUnknown, ResponseCodeInvalidProtocol, nil)
		return
	}

	method := *req.Method
	s.m.HandshakeRequests.WithLabelValues(methodLabel(method)).Inc()

	switch method {
	case MethodInitiateEncryption:
		s.processInitiate(req.Params)
	case MethodConfirmChallenge:
		s.processConfirm(req.Params)
	default:
		s.logger.Warn("received unknown method", logging.KeyMethod, method)
		s.respond(method, ResponseCodeInvalidMethod, nil)
	}
}

// processInitiate handles INITIATE_ENCRYPTION: derive the shared key
// from the central's public key and answer with our public key plus the
// encrypted challenge.
func (s *EncryptionService) processInitiate(params map[string]string) {
	pkHex, ok := params["pk"]
	if !ok {
		s.logger.Warn("initiate request misses the central public key")
		s.respond(MethodInitiateEncryption, ResponseCodeInvalidParams, nil)
		return
	}

	pkBytes, err := hex.DecodeString(pkHex)
	if err != nil || len(pkBytes) != crypto.KeySize {
		s.logger.Warn("initiate request carries a malformed public key", logging.KeyError, err)
		s.respond(MethodInitiateEncryption, ResponseCodeInvalidKeyFormat, nil)
		return
	}
	var centralPub [crypto.KeySize]byte
	copy(centralPub[:], pkBytes)

	if err := s.session.CalculateShared(centralPub); err != nil {
		s.logger.Warn("failed to derive shared key", logging.KeyError, err)
		s.respond(MethodInitiateEncryption, ResponseCodeEncryptionFailed, nil)
		return
	}

	challenge, err := s.session.GenerateChallenge()
	if err != nil {
		s.logger.Warn("failed to generate challenge", logging.KeyError, err)
		s.respond(MethodInitiateEncryption, ResponseCodeEncryptionFailed, nil)
		return
	}

	nonce, err := s.session.GenerateNonce()
	if err != nil {
		s.logger.Warn("failed to generate nonce", logging.KeyError, err)
		s.respond(MethodInitiateEncryption, ResponseCodeEncryptionFailed, nil)
		return
	}
	encryptedChallenge, err := s.session.Encrypt(challenge, nonce)
	if err != nil {
		s.logger.Warn("failed to encrypt challenge", logging.KeyError, err)
		s.respond(MethodInitiateEncryption, ResponseCodeEncryptionFailed, nil)
		return
	}

	s.handshakeStart = time.Now()

	serverPub := s.session.PublicKey()
	s.respond(MethodInitiateEncryption, ResponseCodeSuccess, map[string]string{
		"pk": hex.EncodeToString(serverPub[:]),
		"n":  hex.EncodeToString(nonce[:]),
		"c":  hex.EncodeToString(encryptedChallenge),
	})
}

// processConfirm handles CONFIRM_CHALLENGE: decrypt the echoed digest
// and verify it against the stored confirmation.
func (s *EncryptionService) processConfirm(params map[string]string) {
	nonceHex, hasNonce := params["n"]
	ctHex, hasCt := params["c"]
	if !hasNonce || !hasCt {
		s.logger.Warn("confirm request misses nonce or ciphertext")
		s.respond(MethodConfirmChallenge, ResponseCodeInvalidParams, nil)
		return
	}

	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceBytes) != crypto.NonceSize {
		s.logger.Warn("confirm request carries a malformed nonce", logging.KeyError, err)
		s.respond(MethodConfirmChallenge, ResponseCodeInvalidParams, nil)
		return
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		s.logger.Warn("confirm request carries malformed ciphertext", logging.KeyError, err)
		s.respond(MethodConfirmChallenge, ResponseCodeInvalidParams, nil)
		return
	}

	var nonce [crypto.NonceSize]byte
	copy(nonce[:], nonceBytes)

	confirmation, err := s.session.Decrypt(ciphertext, nonce)
	if err != nil {
		s.logger.Warn("failed to decrypt challenge confirmation", logging.KeyError, err)
		s.respond(MethodConfirmChallenge, ResponseCodeEncryptionFailed, nil)
		return
	}

	if !s.session.VerifyChallenge(confirmation) {
		s.respond(MethodConfirmChallenge, ResponseCodeEncryptionFailed, nil)
		return
	}

	if !s.handshakeStart.IsZero() {
		s.m.HandshakeDuration.Observe(time.Since(s.handshakeStart).Seconds())
		s.handshakeStart = time.Time{}
	}
	s.m.HandshakeCompleted.Inc()
	s.respond(MethodConfirmChallenge, ResponseCodeSuccess, nil)
}

// respond marshals and queues one JSON response frame.
func (s *EncryptionService) respond(method int, code ResponseCode, params map[string]string) {
	resp := handshakeResponse{Method: method, Code: code, Params: params}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal handshake response", logging.KeyError, err)
		return
	}

	s.m.HandshakeResponses.WithLabelValues(code.label()).Inc()
	s.logger.Debug("sending handshake response",
		logging.KeyMethod, method, logging.KeyResponseCode, int(code))
	s.Send(data)
}

func methodLabel(method int) string {
	switch method {
	case MethodInitiateEncryption:
		return "initiate_encryption"
	case MethodConfirmChallenge:
		return "confirm_challenge"
	default:
		return "unknown"
	}
}

func (c ResponseCode) label() string {
	switch c {
	case ResponseCodeSuccess:
		return "success"
	case ResponseCodeInvalidProtocol:
		return "invalid_protocol"
	case ResponseCodeInvalidMethod:
		return "invalid_method"
	case ResponseCodeInvalidParams:
		return "invalid_params"
	case ResponseCodeInvalidKeyFormat:
		return "invalid_key_format"
	case ResponseCodeAlreadyEncrypted:
		return "already_encrypted"
	case ResponseCodeEncryptionFailed:
		return "encryption_failed"
	}
	return "unknown"
}
