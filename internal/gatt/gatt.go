// Package gatt defines the contract between the Bluetooth server and
// the platform GATT peripheral stack: service registration,
// characteristic I/O and advertising. The concrete stack (BlueZ on the
// appliance images) lives in the embedding product; this package ships
// an in-process loopback implementation used by the diagnostic CLI and
// the tests.
package gatt

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttributeMaxLen is the maximum characteristic value length used for
// the stream characteristics. Writes and notifications are chunked to
// this size.
const AttributeMaxLen = 20

// Property is the GATT characteristic property bitmask.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

var (
	// ErrUnknownCharacteristic is returned for I/O on a characteristic
	// that was never registered.
	ErrUnknownCharacteristic = errors.New("unknown characteristic")

	// ErrValueTooLong is returned when a write or notification exceeds
	// the characteristic's maximum value length.
	ErrValueTooLong = errors.New("characteristic value too long")

	// ErrNotConnected is returned when notifying without a connected
	// central.
	ErrNotConnected = errors.New("no central connected")

	// ErrAlreadyConnected is returned when a second central attempts to
	// connect while one is already connected.
	ErrAlreadyConnected = errors.New("a central is already connected")

	// ErrUnsupportedAdapter is returned by Open for adapter names this
	// build has no backend for.
	ErrUnsupportedAdapter = errors.New("unsupported adapter")
)

// Characteristic describes one characteristic of a registered service.
type Characteristic struct {
	UUID       uuid.UUID
	Properties Property

	// Value is the static value for read-only characteristics.
	Value []byte

	// MaxLen bounds the value length; zero means AttributeMaxLen.
	MaxLen int

	// CCCD attaches a Client Characteristic Configuration descriptor,
	// initialised to two zero bytes. Required for Notify/Indicate.
	CCCD bool

	// OnWrite is invoked with the raw value of every central write.
	OnWrite func(value []byte)
}

// Service describes a GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}

// Advertisement describes the advertising payload and cadence.
type Advertisement struct {
	LocalName      string
	ServiceUUIDs   []uuid.UUID
	IncludeTxPower bool
	Interval       time.Duration
}

// ConnectionEvent reports a central connecting to or disconnecting from
// the peripheral.
type ConnectionEvent struct {
	Connected bool
	Address   string
}

// Peripheral is the platform GATT stack as seen by the server.
type Peripheral interface {
	// AddService registers a service before advertising starts.
	AddService(svc Service) error

	// StartAdvertising begins advertising with the given payload.
	StartAdvertising(adv Advertisement) error

	// StopAdvertising stops advertising; registered services stay.
	StopAdvertising() error

	// Notify pushes a value change notification on a characteristic to
	// the connected central.
	Notify(characteristicUUID uuid.UUID, value []byte) error

	// SetConnectionHandler registers the single connection lifecycle
	// callback. Must be called before StartAdvertising.
	SetConnectionHandler(fn func(ConnectionEvent))

	// Close tears the peripheral down.
	Close() error
}

// Open returns the peripheral backend for the named adapter. The only
// backend linked into this module is "loopback"; HCI adapters are
// provided by the embedding product.
func Open(adapter string) (Peripheral, error) {
	switch adapter {
	case "loopback":
		return NewLoopback(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAdapter, adapter)
	}
}

// Bluetooth base UUID suffix for 16-bit assigned numbers.
const baseUUIDFormat = "0000%04x-0000-1000-8000-00805f9b34fb"

// UUID16 expands a 16-bit Bluetooth SIG assigned number to a full UUID.
func UUID16(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf(baseUUIDFormat, short))
}

// Assigned numbers for the mandatory services and characteristics.
const (
	ServiceDeviceInformation uint16 = 0x180A
	ServiceGenericAccess     uint16 = 0x1800
	ServiceGenericAttribute  uint16 = 0x1801

	CharacteristicDeviceName             uint16 = 0x2A00
	CharacteristicAppearance             uint16 = 0x2A01
	CharacteristicPeripheralPrivacyFlag  uint16 = 0x2A02
	CharacteristicReconnectionAddress    uint16 = 0x2A03
	CharacteristicServiceChanged         uint16 = 0x2A05
	CharacteristicModelNumberString      uint16 = 0x2A24
	CharacteristicSerialNumberString     uint16 = 0x2A25
	CharacteristicFirmwareRevisionString uint16 = 0x2A26
	CharacteristicHardwareRevisionString uint16 = 0x2A27
	CharacteristicSoftwareRevisionString uint16 = 0x2A28
	CharacteristicManufacturerNameString uint16 = 0x2A29
)
