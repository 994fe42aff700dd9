package service

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
)

// Fixed UUIDs of the NetworkManager service.
var (
	NetworkManagerServiceUUID      = uuid.MustParse("d918edd0-bdb8-4b4b-b7e1-b15d50d361a2")
	NetworkManagerReceiverCharUUID = uuid.MustParse("d918edd1-bdb8-4b4b-b7e1-b15d50d361a2")
	NetworkManagerSenderCharUUID   = uuid.MustParse("d918edd2-bdb8-4b4b-b7e1-b15d50d361a2")
)

// NetworkHandler processes a NetworkManager request and returns the
// response payload, or nil when there is nothing to answer. The payload
// format belongs to the Wi-Fi configuration layer; the Bluetooth server
// only carries the bytes.
type NetworkHandler func(request []byte) (response []byte)

// NetworkManagerService exposes Wi-Fi configuration over the encrypted
// channel. Packets never flow before the encryption session is ready.
type NetworkManagerService struct {
	Sender

	handler NetworkHandler
	logger  *slog.Logger
}

// NewNetworkManagerService creates the service. A nil handler drops all
// requests after logging them.
func NewNetworkManagerService(handler NetworkHandler, logger *slog.Logger) *NetworkManagerService {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &NetworkManagerService{
		Sender:  NewSender(),
		handler: handler,
		logger:  logger.With(logging.KeyService, "NetworkManager"),
	}
}

// Name implements Service.
func (s *NetworkManagerService) Name() string { return "NetworkManager" }

// ServiceUUID implements Service.
func (s *NetworkManagerService) ServiceUUID() uuid.UUID { return NetworkManagerServiceUUID }

// ReceiverCharacteristicUUID implements Service.
func (s *NetworkManagerService) ReceiverCharacteristicUUID() uuid.UUID {
	return NetworkManagerReceiverCharUUID
}

// SenderCharacteristicUUID implements Service.
func (s *NetworkManagerService) SenderCharacteristicUUID() uuid.UUID {
	return NetworkManagerSenderCharUUID
}

// UseEncryption implements Service.
func (s *NetworkManagerService) UseEncryption() bool { return true }

// Receive implements Service.
func (s *NetworkManagerService) Receive(data []byte) {
	s.logger.Debug("message received", logging.KeyBytes, len(data))

	if s.handler == nil {
		return
	}
	if response := s.handler(data); response != nil {
		s.Send(response)
	}
}
