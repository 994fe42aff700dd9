package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nymea/libnymea-bluetoothserver/internal/config"
	"github.com/nymea/libnymea-bluetoothserver/internal/crypto"
	"github.com/nymea/libnymea-bluetoothserver/internal/encryption"
	"github.com/nymea/libnymea-bluetoothserver/internal/frame"
	"github.com/nymea/libnymea-bluetoothserver/internal/gatt"
	"github.com/nymea/libnymea-bluetoothserver/internal/logging"
	"github.com/nymea/libnymea-bluetoothserver/internal/metrics"
	"github.com/nymea/libnymea-bluetoothserver/internal/server"
	"github.com/nymea/libnymea-bluetoothserver/internal/service"
)

// selftestCmd runs the complete handshake and an encrypted echo round
// trip against an in-process loopback peripheral. It exercises the same
// code paths a real central does, minus the radio.
func selftestCmd() *cobra.Command {
	var payloadSize int

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run an in-process handshake and encrypted echo round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(payloadSize)
		},
	}

	cmd.Flags().IntVar(&payloadSize, "payload", 1024, "Echo payload size in bytes")
	return cmd
}

func runSelftest(payloadSize int) error {
	cfg := config.Default()
	cfg.AdvertiseName = "selftest"

	lb := gatt.NewLoopback()
	srv := server.New(cfg, lb, logging.NopLogger(), metrics.NewMetrics())

	err := srv.RegisterService(service.NewNetworkManagerService(func(req []byte) []byte {
		return req
	}, nil))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if err := lb.Connect("selftest-central"); err != nil {
		return err
	}

	c := newSelftestCentral(lb)
	if err := c.subscribe(service.EncryptionSenderCharUUID); err != nil {
		return err
	}
	if err := c.subscribe(service.NetworkManagerSenderCharUUID); err != nil {
		return err
	}

	client, err := encryption.NewClientSession(nil)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.handshake(client); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	handshakeTime := time.Since(start)
	fmt.Printf("Handshake completed in %s\n", handshakeTime.Round(time.Microsecond))

	// Encrypted echo round trip.
	payload, err := crypto.RandomBytes(payloadSize)
	if err != nil {
		return err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return err
	}
	ct, err := client.Encrypt(payload, nonce)
	if err != nil {
		return err
	}

	start = time.Now()
	if err := c.writePacket(service.NetworkManagerReceiverCharUUID, append(nonce[:], ct...)); err != nil {
		return err
	}
	response, err := c.readPacket(service.NetworkManagerSenderCharUUID)
	if err != nil {
		return fmt.Errorf("echo response: %w", err)
	}
	echoTime := time.Since(start)

	if len(response) < crypto.NonceSize+crypto.TagSize {
		return fmt.Errorf("echo response envelope of %d bytes is too short", len(response))
	}
	var respNonce [crypto.NonceSize]byte
	copy(respNonce[:], response[:crypto.NonceSize])
	plaintext, err := client.Decrypt(response[crypto.NonceSize:], respNonce)
	if err != nil {
		return fmt.Errorf("decrypt echo response: %w", err)
	}
	if !bytes.Equal(plaintext, payload) {
		return fmt.Errorf("echo payload mismatch")
	}

	fmt.Printf("Encrypted echo of %s completed in %s\n",
		humanize.IBytes(uint64(payloadSize)), echoTime.Round(time.Microsecond))
	fmt.Println("Selftest passed")
	return nil
}

// selftestCentral mirrors a central over the loopback peripheral.
type selftestCentral struct {
	lb       *gatt.Loopback
	decoders map[uuid.UUID]*frame.Decoder
	notifies map[uuid.UUID]<-chan []byte
}

func newSelftestCentral(lb *gatt.Loopback) *selftestCentral {
	return &selftestCentral{
		lb:       lb,
		decoders: make(map[uuid.UUID]*frame.Decoder),
		notifies: make(map[uuid.UUID]<-chan []byte),
	}
}

func (c *selftestCentral) subscribe(charUUID uuid.UUID) error {
	ch, err := c.lb.Subscribe(charUUID)
	if err != nil {
		return err
	}
	c.notifies[charUUID] = ch
	c.decoders[charUUID] = frame.NewDecoder()
	return nil
}

func (c *selftestCentral) writePacket(charUUID uuid.UUID, packet []byte) error {
	wire := frame.EscapePacket(packet)
	for offset := 0; offset < len(wire); offset += gatt.AttributeMaxLen {
		end := offset + gatt.AttributeMaxLen
		if end > len(wire) {
			end = len(wire)
		}
		if err := c.lb.WriteCharacteristic(charUUID, wire[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *selftestCentral) readPacket(charUUID uuid.UUID) ([]byte, error) {
	decoder := c.decoders[charUUID]
	ch := c.notifies[charUUID]
	deadline := time.After(5 * time.Second)

	for {
		select {
		case chunk := <-ch:
			packets, err := decoder.Write(chunk)
			if err != nil {
				return nil, err
			}
			if len(packets) > 0 {
				return packets[0], nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for a notification")
		}
	}
}

func (c *selftestCentral) handshake(client *encryption.ClientSession) error {
	pk := client.PublicKey()
	initiate := fmt.Sprintf(`{"c":0,"p":{"pk":"%s"}}`, hex.EncodeToString(pk[:]))
	if err := c.writePacket(service.EncryptionReceiverCharUUID, []byte(initiate)); err != nil {
		return err
	}

	var resp struct {
		Method int               `json:"c"`
		Code   int               `json:"r"`
		Params map[string]string `json:"p"`
	}
	packet, err := c.readPacket(service.EncryptionSenderCharUUID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(packet, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("initiate response code %d", resp.Code)
	}

	serverPubBytes, err := hex.DecodeString(resp.Params["pk"])
	if err != nil || len(serverPubBytes) != crypto.KeySize {
		return fmt.Errorf("malformed server public key")
	}
	nonceBytes, err := hex.DecodeString(resp.Params["n"])
	if err != nil || len(nonceBytes) != crypto.NonceSize {
		return fmt.Errorf("malformed challenge nonce")
	}
	ctBytes, err := hex.DecodeString(resp.Params["c"])
	if err != nil {
		return fmt.Errorf("malformed encrypted challenge")
	}

	var serverPub [crypto.KeySize]byte
	copy(serverPub[:], serverPubBytes)
	var challengeNonce [crypto.NonceSize]byte
	copy(challengeNonce[:], nonceBytes)

	replyNonce, encryptedConfirmation, err := client.ProcessChallenge(serverPub, challengeNonce, ctBytes)
	if err != nil {
		return err
	}

	confirm := fmt.Sprintf(`{"c":1,"p":{"n":"%s","c":"%s"}}`,
		hex.EncodeToString(replyNonce[:]), hex.EncodeToString(encryptedConfirmation))
	if err := c.writePacket(service.EncryptionReceiverCharUUID, []byte(confirm)); err != nil {
		return err
	}

	packet, err = c.readPacket(service.EncryptionSenderCharUUID)
	if err != nil {
		return err
	}
	var confirmResp struct {
		Method int `json:"c"`
		Code   int `json:"r"`
	}
	if err := json.Unmarshal(packet, &confirmResp); err != nil {
		return err
	}
	if confirmResp.Code != 0 {
		return fmt.Errorf("confirm response code %d", confirmResp.Code)
	}

	return client.ConfirmAcknowledged()
}
