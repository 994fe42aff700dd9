package gatt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Loopback is an in-process Peripheral. A test or the diagnostic CLI
// acts as the central: it connects, writes receiver characteristics and
// subscribes to sender notifications. Characteristic I/O is delivered
// synchronously in call order, matching the ordering guarantees of a
// real GATT connection.
type Loopback struct {
	mu sync.Mutex

	services        map[uuid.UUID]Service
	characteristics map[uuid.UUID]*loopbackCharacteristic

	advertising bool
	adv         Advertisement

	connected   bool
	centralAddr string
	connHandler func(ConnectionEvent)

	closed bool
}

type loopbackCharacteristic struct {
	cfg         Characteristic
	value       []byte
	cccd        []byte
	subscribers []chan []byte
}

// NewLoopback creates an empty loopback peripheral.
func NewLoopback() *Loopback {
	return &Loopback{
		services:        make(map[uuid.UUID]Service),
		characteristics: make(map[uuid.UUID]*loopbackCharacteristic),
	}
}

// AddService implements Peripheral.
func (l *Loopback) AddService(svc Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.services[svc.UUID]; exists {
		return fmt.Errorf("service %s already registered", svc.UUID)
	}
	l.services[svc.UUID] = svc

	for _, c := range svc.Characteristics {
		if _, exists := l.characteristics[c.UUID]; exists {
			return fmt.Errorf("characteristic %s already registered", c.UUID)
		}
		lc := &loopbackCharacteristic{cfg: c}
		if c.Value != nil {
			lc.value = append([]byte(nil), c.Value...)
		}
		if c.CCCD {
			lc.cccd = []byte{0x00, 0x00}
		}
		l.characteristics[c.UUID] = lc
	}
	return nil
}

// StartAdvertising implements Peripheral.
func (l *Loopback) StartAdvertising(adv Advertisement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advertising = true
	l.adv = adv
	return nil
}

// StopAdvertising implements Peripheral.
func (l *Loopback) StopAdvertising() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advertising = false
	return nil
}

// Advertising reports whether the peripheral is currently advertising,
// and with which payload.
func (l *Loopback) Advertising() (bool, Advertisement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advertising, l.adv
}

// Notify implements Peripheral.
func (l *Loopback) Notify(characteristicUUID uuid.UUID, value []byte) error {
	l.mu.Lock()

	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	lc, ok := l.characteristics[characteristicUUID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownCharacteristic
	}
	if maxLen := lc.maxLen(); len(value) > maxLen {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(value), maxLen)
	}

	lc.value = append(lc.value[:0], value...)
	subs := append([]chan []byte(nil), lc.subscribers...)
	l.mu.Unlock()

	out := append([]byte(nil), value...)
	for _, ch := range subs {
		ch <- out
	}
	return nil
}

// SetConnectionHandler implements Peripheral.
func (l *Loopback) SetConnectionHandler(fn func(ConnectionEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connHandler = fn
}

// Close implements Peripheral.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.advertising = false
	l.connected = false
	return nil
}

func (lc *loopbackCharacteristic) maxLen() int {
	if lc.cfg.MaxLen > 0 {
		return lc.cfg.MaxLen
	}
	return AttributeMaxLen
}

// Central-side test surface.

// Connect simulates a central connecting. Only one central may be
// connected at a time.
func (l *Loopback) Connect(address string) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.connected = true
	l.centralAddr = address
	handler := l.connHandler
	l.mu.Unlock()

	if handler != nil {
		handler(ConnectionEvent{Connected: true, Address: address})
	}
	return nil
}

// Disconnect simulates the central dropping the connection.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	addr := l.centralAddr
	l.centralAddr = ""
	handler := l.connHandler
	l.mu.Unlock()

	if handler != nil {
		handler(ConnectionEvent{Connected: false, Address: addr})
	}
}

// Connected reports whether a central is connected.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// WriteCharacteristic simulates a central write. The write callback is
// invoked synchronously, so writes are delivered in call order.
func (l *Loopback) WriteCharacteristic(characteristicUUID uuid.UUID, value []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	lc, ok := l.characteristics[characteristicUUID]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownCharacteristic
	}
	if maxLen := lc.maxLen(); len(value) > maxLen {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(value), maxLen)
	}
	onWrite := lc.cfg.OnWrite
	l.mu.Unlock()

	if onWrite != nil {
		onWrite(append([]byte(nil), value...))
	}
	return nil
}

// ReadCharacteristic simulates a central read of the current value.
func (l *Loopback) ReadCharacteristic(characteristicUUID uuid.UUID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lc, ok := l.characteristics[characteristicUUID]
	if !ok {
		return nil, ErrUnknownCharacteristic
	}
	return append([]byte(nil), lc.value...), nil
}

// Subscribe registers for notifications on a characteristic and writes
// the CCCD enable value, mirroring what a real central does. The
// returned channel receives every notified value.
func (l *Loopback) Subscribe(characteristicUUID uuid.UUID) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lc, ok := l.characteristics[characteristicUUID]
	if !ok {
		return nil, ErrUnknownCharacteristic
	}
	if lc.cccd != nil {
		lc.cccd = []byte{0x01, 0x00}
	}

	ch := make(chan []byte, 256)
	lc.subscribers = append(lc.subscribers, ch)
	return ch, nil
}

// HasService reports whether a service UUID was registered.
func (l *Loopback) HasService(serviceUUID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.services[serviceUUID]
	return ok
}
