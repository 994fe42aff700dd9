// Package service defines the application services multiplexed over the
// Bluetooth server. Each service owns one GATT service with a receiver
// characteristic (central writes) and a sender characteristic
// (peripheral notifies) and may opt into the encrypted channel.
package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service is the capability a registered application service exposes to
// the server. Inbound packets arrive through Receive after framing (and,
// for encrypted services, decryption); outbound packets are emitted on
// the Outbound channel and picked up by the server's data handler.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// ServiceUUID is the GATT service UUID. Unique per registry.
	ServiceUUID() uuid.UUID

	// ReceiverCharacteristicUUID is the characteristic the central
	// writes to.
	ReceiverCharacteristicUUID() uuid.UUID

	// SenderCharacteristicUUID is the characteristic the peripheral
	// notifies on.
	SenderCharacteristicUUID() uuid.UUID

	// UseEncryption reports whether packets ride the encrypted channel.
	// Encrypted services neither accept nor emit data before the
	// encryption session is ready.
	UseEncryption() bool

	// Receive is called with each complete inbound application packet.
	Receive(data []byte)

	// Outbound is the channel of packets the service wants sent.
	Outbound() <-chan []byte
}

// Sender provides the outbound side of a Service implementation. Embed
// it and call Send to emit packets.
type Sender struct {
	out chan []byte
}

// NewSender creates a Sender with a bounded queue.
func NewSender() Sender {
	return Sender{out: make(chan []byte, 32)}
}

// Send queues a packet for transmission. It blocks while the queue is
// full, preserving packet order.
func (s *Sender) Send(data []byte) {
	s.out <- data
}

// Outbound implements Service.
func (s *Sender) Outbound() <-chan []byte {
	return s.out
}

var (
	// ErrDuplicateServiceUUID is returned when two services share a UUID.
	ErrDuplicateServiceUUID = errors.New("duplicate service UUID")

	// ErrNilService is returned when registering a nil service.
	ErrNilService = errors.New("nil service")
)

// Registry holds the registered services in registration order.
type Registry struct {
	services []Service
	byUUID   map[uuid.UUID]Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUUID: make(map[uuid.UUID]Service)}
}

// Register appends a service. Service UUIDs must be unique.
func (r *Registry) Register(svc Service) error {
	if svc == nil {
		return ErrNilService
	}
	if _, exists := r.byUUID[svc.ServiceUUID()]; exists {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateServiceUUID, svc.ServiceUUID(), svc.Name())
	}
	r.services = append(r.services, svc)
	r.byUUID[svc.ServiceUUID()] = svc
	return nil
}

// Services returns the registered services in registration order.
func (r *Registry) Services() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Lookup returns the service registered under a UUID.
func (r *Registry) Lookup(serviceUUID uuid.UUID) (Service, bool) {
	svc, ok := r.byUUID[serviceUUID]
	return svc, ok
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(r.services)
}
