package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
	"github.com/nymea/libnymea-bluetoothserver/internal/encryption"
	"github.com/nymea/libnymea-bluetoothserver/internal/frame"
	"github.com/nymea/libnymea-bluetoothserver/internal/gatt"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/metrics"
	"github.com/nymea/libnymea-bluetoothserver/internal/service"
)

// envelopeMinSize is the smallest valid encrypted envelope: a nonce and
// an authentication tag with no payload.
const envelopeMinSize = crypto.NonceSize + crypto.TagSize

// dataHandler couples one registered service to the frame codec, the
// encryption session and the GATT characteristics. It owns the
// per-stream decoder buffer, decrypts on receive, encrypts on send and
// chunks outbound frames to 20-byte notifications.
type dataHandler struct {
	svc        service.Service
	session    *encryption.Session
	peripheral gatt.Peripheral

	decoderMu sync.Mutex
	decoder   *frame.Decoder

	maxPacket int
	limiter   *rate.Limiter

	// tracks the session's ready flag through the subscription, so the
	// gate needs no lock on the hot path
	ready atomic.Bool

	logger *slog.Logger
	m      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDataHandler(svc service.Service, session *encryption.Session, peripheral gatt.Peripheral, maxPacket int, limiter *rate.Limiter, logger *slog.Logger, m *metrics.Metrics) *dataHandler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &dataHandler{
		svc:        svc,
		session:    session,
		peripheral: peripheral,
		decoder:    frame.NewDecoder(),
		maxPacket:  maxPacket,
		limiter:    limiter,
		logger:     logger.With(logging.KeyService, svc.Name()),
		m:          m,
		ctx:        ctx,
		cancel:     cancel,
	}
	session.SubscribeReady(func(ready bool) { h.ready.Store(ready) })
	h.ready.Store(session.Ready())
	return h
}

// start launches the outbound pump consuming the service's send channel.
func (h *dataHandler) start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.ctx.Done():
				return
			case data := <-h.svc.Outbound():
				h.send(data)
			}
		}
	}()
}

// stop terminates the outbound pump and waits for it.
func (h *dataHandler) stop() {
	h.cancel()
	h.wg.Wait()
}

// resetStream clears the per-stream decoder buffer. Called on connect
// and disconnect.
func (h *dataHandler) resetStream() {
	h.decoderMu.Lock()
	h.decoder.Reset()
	h.decoderMu.Unlock()
}

// handleWrite processes one GATT write on the receiver characteristic.
// Writes arrive in order; each may complete zero or more packets.
func (h *dataHandler) handleWrite(value []byte) {
	h.decoderMu.Lock()
	packets, err := h.decoder.Write(value)
	h.decoderMu.Unlock()

	if err != nil {
		h.m.FramingErrors.WithLabelValues(h.svc.Name()).Inc()
		h.logger.Warn("received inconsistent frame data, dropping packet", logging.KeyError, err)
	}
	for _, packet := range packets {
		h.processPacket(packet)
	}
}

// processPacket unwraps one reassembled packet and delivers it to the
// service.
func (h *dataHandler) processPacket(packet []byte) {
	data := packet

	if h.svc.UseEncryption() {
		if !h.ready.Load() {
			// The service must not be reachable in the clear. Drop
			// silently; never respond.
			h.m.DroppedNotReady.WithLabelValues(h.svc.Name()).Inc()
			h.logger.Warn("dropping packet on encrypted service, session not ready")
			return
		}
		if len(packet) < envelopeMinSize {
			h.m.DecryptFailures.WithLabelValues(h.svc.Name()).Inc()
			h.logger.Warn("dropping undersized envelope", logging.KeyBytes, len(packet))
			return
		}

		var nonce [crypto.NonceSize]byte
		copy(nonce[:], packet[:crypto.NonceSize])

		plaintext, err := h.session.Decrypt(packet[crypto.NonceSize:], nonce)
		if err != nil {
			h.m.DecryptFailures.WithLabelValues(h.svc.Name()).Inc()
			h.logger.Warn("failed to decrypt packet, dropping", logging.KeyError, err)
			return
		}
		data = plaintext
	}

	if len(data) > h.maxPacket {
		h.m.OversizedDrops.WithLabelValues(h.svc.Name()).Inc()
		h.logger.Warn("dropping oversized packet", logging.KeyBytes, len(data))
		return
	}

	h.m.PacketsReceived.WithLabelValues(h.svc.Name()).Inc()
	h.m.BytesReceived.WithLabelValues(h.svc.Name()).Add(float64(len(data)))
	h.svc.Receive(data)
}

// send wraps, escapes and writes one outbound packet as a sequence of
// notification chunks. All chunks of one packet are written before the
// next packet starts, preserving the END-delimited boundary.
func (h *dataHandler) send(data []byte) {
	if len(data) > h.maxPacket {
		h.m.OversizedDrops.WithLabelValues(h.svc.Name()).Inc()
		h.logger.Warn("refusing to send oversized packet", logging.KeyBytes, len(data))
		return
	}

	out := data
	if h.svc.UseEncryption() {
		if !h.ready.Load() {
			h.m.DroppedNotReady.WithLabelValues(h.svc.Name()).Inc()
			h.logger.Warn("dropping outbound packet on encrypted service, session not ready")
			return
		}

		nonce, err := h.session.GenerateNonce()
		if err != nil {
			h.logger.Error("failed to generate nonce", logging.KeyError, err)
			return
		}
		ciphertext, err := h.session.Encrypt(data, nonce)
		if err != nil {
			h.logger.Error("failed to encrypt packet", logging.KeyError, err)
			return
		}

		envelope := make([]byte, 0, crypto.NonceSize+len(ciphertext))
		envelope = append(envelope, nonce[:]...)
		envelope = append(envelope, ciphertext...)
		out = envelope
	}

	wire := frame.EscapePacket(out)
	h.logger.Debug("start streaming escaped data", logging.KeyBytes, len(wire))

	for offset := 0; offset < len(wire); offset += gatt.AttributeMaxLen {
		end := offset + gatt.AttributeMaxLen
		if end > len(wire) {
			end = len(wire)
		}

		if h.limiter != nil {
			if err := h.limiter.Wait(h.ctx); err != nil {
				// Shutdown mid-packet: remaining chunks are dropped, not
				// retried.
				return
			}
		}

		if err := h.peripheral.Notify(h.svc.SenderCharacteristicUUID(), wire[offset:end]); err != nil {
			h.logger.Warn("notification write failed, dropping remaining chunks", logging.KeyError, err)
			return
		}
		h.m.ChunksSent.WithLabelValues(h.svc.Name()).Inc()
	}

	h.m.PacketsSent.WithLabelValues(h.svc.Name()).Inc()
	h.m.BytesSent.WithLabelValues(h.svc.Name()).Add(float64(len(data)))
}
