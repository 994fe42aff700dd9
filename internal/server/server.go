// Package server implements the Bluetooth GATT server: it registers the
// mandatory and application services on the peripheral stack, binds one
// data handler per application service and watches the single-central
// connection lifecycle.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nymea/libnymea-bluetoothserver/internal/config"
	"github.com/nymea/libnymea-bluetoothserver/internal/encryption"
	"github.com/nymea/libnymea-bluetoothserver/internal/gatt"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/metrics"
	"github.com/nymea/libnymea-bluetoothserver/internal/service"
	"github.com/nymea/libnymea-bluetoothserver/internal/sysinfo"
)

// advertisingInterval is the fixed advertising cadence.
const advertisingInterval = 100 * time.Millisecond

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("server not started")
)

// Server owns the encryption session, the service registry and the
// per-service data handlers.
type Server struct {
	cfg        *config.Config
	peripheral gatt.Peripheral
	session    *encryption.Session
	registry   *service.Registry

	logger *slog.Logger
	m      *metrics.Metrics

	mu        sync.Mutex
	handlers  []*dataHandler
	started   bool
	connected bool
}

// New creates a server. The Encryption handshake service is registered
// implicitly; further application services are added with
// RegisterService before Start.
func New(cfg *config.Config, peripheral gatt.Peripheral, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	session := encryption.NewSession(logger)
	s := &Server{
		cfg:        cfg,
		peripheral: peripheral,
		session:    session,
		registry:   service.NewRegistry(),
		logger:     logger.With(logging.KeyComponent, "server"),
		m:          m,
	}

	// The handshake entry point always exists; everything else opts in.
	if err := s.registry.Register(service.NewEncryptionService(session, logger, m)); err != nil {
		// The registry is empty here, a duplicate is impossible.
		panic(err)
	}
	return s
}

// Session exposes the encryption session, mainly for tests and
// diagnostics.
func (s *Server) Session() *encryption.Session {
	return s.session
}

// RegisterService adds an application service. Must be called before
// Start.
func (s *Server) RegisterService(svc service.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	return s.registry.Register(svc)
}

// Start generates the session keys, registers all GATT services and
// begins advertising the Encryption service UUID.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.session.GenerateKeypair(); err != nil {
		return fmt.Errorf("generate session keys: %w", err)
	}

	for _, svc := range s.mandatoryServices() {
		if err := s.peripheral.AddService(svc); err != nil {
			return fmt.Errorf("register mandatory service: %w", err)
		}
	}

	var limiter *rate.Limiter
	if s.cfg.Limits.ChunkInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.Limits.ChunkInterval), 1)
	}

	for _, svc := range s.registry.Services() {
		handler := newDataHandler(svc, s.session, s.peripheral,
			s.cfg.Limits.MaxPacketSize, limiter, s.logger, s.m)

		gattSvc := gatt.Service{
			UUID: svc.ServiceUUID(),
			Characteristics: []gatt.Characteristic{
				{
					UUID:       svc.ReceiverCharacteristicUUID(),
					Properties: gatt.PropertyWrite,
					OnWrite:    handler.handleWrite,
				},
				{
					UUID:       svc.SenderCharacteristicUUID(),
					Properties: gatt.PropertyNotify,
					CCCD:       true,
				},
			},
		}
		if err := s.peripheral.AddService(gattSvc); err != nil {
			return fmt.Errorf("register service %s: %w", svc.Name(), err)
		}

		handler.start()
		s.handlers = append(s.handlers, handler)
		s.logger.Info("registered service",
			logging.KeyService, svc.Name(),
			logging.KeyServiceUUID, svc.ServiceUUID().String())
	}

	s.peripheral.SetConnectionHandler(s.onConnectionEvent)

	if err := s.startAdvertising(); err != nil {
		return err
	}

	s.started = true
	s.logger.Info("bluetooth server started",
		logging.KeyAdvertiseName, s.advertiseName())
	return nil
}

// Stop tears the server down: handlers stop, key material is wiped and
// the peripheral closes.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	for _, h := range s.handlers {
		h.stop()
	}
	s.handlers = nil
	s.session.Reset()

	if err := s.peripheral.Close(); err != nil {
		return fmt.Errorf("close peripheral: %w", err)
	}

	s.started = false
	s.connected = false
	s.logger.Info("bluetooth server stopped")
	return nil
}

// Connected reports whether a central is currently connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// onConnectionEvent reacts to the central connecting or disconnecting.
func (s *Server) onConnectionEvent(e gatt.ConnectionEvent) {
	if e.Connected {
		s.onConnected(e.Address)
	} else {
		s.onDisconnected(e.Address)
	}
}

func (s *Server) onConnected(address string) {
	s.mu.Lock()
	if s.connected {
		// Single-peer policy: the platform stack should have refused
		// the second connection; ignore the event if it did not.
		s.mu.Unlock()
		s.logger.Warn("ignoring connection while a central is connected",
			logging.KeyAddress, address)
		return
	}
	s.connected = true
	handlers := append([]*dataHandler(nil), s.handlers...)
	s.mu.Unlock()

	s.logger.Info("central connected", logging.KeyAddress, address)
	s.m.CentralConnected.Set(1)
	s.m.Connections.Inc()

	if err := s.peripheral.StopAdvertising(); err != nil {
		s.logger.Warn("failed to stop advertising", logging.KeyError, err)
	}

	// Fresh keys for every connection.
	if err := s.session.GenerateKeypair(); err != nil {
		s.logger.Error("failed to regenerate session keys", logging.KeyError, err)
	}
	for _, h := range handlers {
		h.resetStream()
	}
}

func (s *Server) onDisconnected(address string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	started := s.started
	handlers := append([]*dataHandler(nil), s.handlers...)
	s.mu.Unlock()

	s.logger.Info("central disconnected", logging.KeyAddress, address)
	s.m.CentralConnected.Set(0)
	s.m.Disconnections.Inc()

	s.session.Reset()
	for _, h := range handlers {
		h.resetStream()
	}

	if started {
		if err := s.startAdvertising(); err != nil {
			s.logger.Error("failed to resume advertising", logging.KeyError, err)
		}
	}
}

// startAdvertising advertises only the Encryption service UUID, the
// discovery entry point for centrals.
func (s *Server) startAdvertising() error {
	adv := gatt.Advertisement{
		LocalName:      s.advertiseName(),
		ServiceUUIDs:   []uuid.UUID{service.EncryptionServiceUUID},
		IncludeTxPower: true,
		Interval:       advertisingInterval,
	}
	if err := s.peripheral.StartAdvertising(adv); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	return nil
}

func (s *Server) advertiseName() string {
	if s.cfg.AdvertiseName != "" {
		return s.cfg.AdvertiseName
	}
	return sysinfo.Hostname()
}
