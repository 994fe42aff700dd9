package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, []byte{}},
		{"plain", []byte{0x01, 0x02, 0x03}, []byte{0x01, 0x02, 0x03}},
		{"end byte", []byte{End}, []byte{Esc, TransposedEnd}},
		{"esc byte", []byte{Esc}, []byte{Esc, TransposedEsc}},
		{"mixed", []byte{0x01, End, Esc, 0x02}, []byte{0x01, Esc, TransposedEnd, Esc, TransposedEsc, 0x02}},
		{"transposed bytes pass through", []byte{TransposedEnd, TransposedEsc}, []byte{TransposedEnd, TransposedEsc}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Escape(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Escape(%x) = %x, want %x", tt.in, got, tt.want)
			}
			if bytes.IndexByte(got, End) != -1 {
				t.Errorf("Escape(%x) contains unescaped End", tt.in)
			}
		})
	}
}

func TestEscapePacket_Terminated(t *testing.T) {
	got := EscapePacket([]byte{0x01, End})
	want := []byte{0x01, Esc, TransposedEnd, End}
	if !bytes.Equal(got, want) {
		t.Errorf("EscapePacket() = %x, want %x", got, want)
	}
}

func TestUnescape_RoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{End},
		{Esc},
		{End, End, Esc, Esc},
		{0x01, End, 0x02, Esc, 0x03},
		bytes.Repeat([]byte{End, Esc, 0xAA}, 100),
	}
	for _, in := range inputs {
		out, err := Unescape(Escape(in))
		if err != nil {
			t.Fatalf("Unescape(Escape(%x)) error = %v", in, err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("Unescape(Escape(%x)) = %x", in, out)
		}
	}
}

func TestUnescape_RoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		in := make([]byte, rng.Intn(256))
		rng.Read(in)

		out, err := Unescape(Escape(in))
		if err != nil {
			t.Fatalf("Unescape(Escape) error = %v for input %x", err, in)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round trip mismatch for input %x", in)
		}
	}
}

func TestUnescape_InvalidEscape(t *testing.T) {
	inputs := [][]byte{
		{Esc, 0x00},
		{0x01, Esc, 0xFF},
		{Esc}, // truncated escape
	}
	for _, in := range inputs {
		if _, err := Unescape(in); err != ErrInvalidEscape {
			t.Errorf("Unescape(%x) error = %v, want ErrInvalidEscape", in, err)
		}
	}
}

func TestDecoder_SinglePacket(t *testing.T) {
	d := NewDecoder()
	packets, err := d.Write(append(Escape([]byte{0x01, 0x02}), End))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x01, 0x02}) {
		t.Errorf("packets = %x, want [0102]", packets)
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	// A leading delimiter, then an escaped END split from its payload,
	// then the closing delimiter, in three separate writes.
	d := NewDecoder()

	packets, err := d.Write([]byte{End})
	if err != nil || len(packets) != 0 {
		t.Fatalf("Write(END) = %x, %v; want no packets", packets, err)
	}

	packets, err = d.Write([]byte{0x01, Esc, TransposedEnd, 0x02})
	if err != nil || len(packets) != 0 {
		t.Fatalf("Write(body) = %x, %v; want no packets", packets, err)
	}

	packets, err = d.Write([]byte{End})
	if err != nil {
		t.Fatalf("Write(END) error = %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x01, End, 0x02}) {
		t.Errorf("packets = %x, want [01c002]", packets)
	}
}

func TestDecoder_EscapeSplitAcrossChunks(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Write([]byte{0x01, Esc}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	packets, err := d.Write([]byte{TransposedEsc, End})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x01, Esc}) {
		t.Errorf("packets = %x, want [01db]", packets)
	}
}

func TestDecoder_ArbitraryPartitions(t *testing.T) {
	// Invariant: any partition of escape(b)+END into chunks yields
	// exactly one packet equal to b.
	payload := []byte{0x00, End, 0x7F, Esc, TransposedEnd, 0xFF, End, End}
	wire := append(Escape(payload), End)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 100; trial++ {
		d := NewDecoder()
		var got [][]byte

		rest := wire
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			packets, err := d.Write(rest[:n])
			if err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got = append(got, packets...)
			rest = rest[n:]
		}

		if len(got) != 1 {
			t.Fatalf("trial %d: got %d packets, want 1", trial, len(got))
		}
		if !bytes.Equal(got[0], payload) {
			t.Fatalf("trial %d: packet = %x, want %x", trial, got[0], payload)
		}
	}
}

func TestDecoder_MultiplePacketsOneChunk(t *testing.T) {
	d := NewDecoder()
	var wire []byte
	wire = append(wire, EscapePacket([]byte{0x01})...)
	wire = append(wire, EscapePacket([]byte{0x02, End})...)
	wire = append(wire, EscapePacket([]byte{0x03})...)

	packets, err := d.Write(wire)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	want := [][]byte{{0x01}, {0x02, End}, {0x03}}
	if len(packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(packets), len(want))
	}
	for i := range want {
		if !bytes.Equal(packets[i], want[i]) {
			t.Errorf("packet %d = %x, want %x", i, packets[i], want[i])
		}
	}
}

func TestDecoder_EmptyPacketsIgnored(t *testing.T) {
	d := NewDecoder()
	packets, err := d.Write([]byte{End, End, End})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(packets) != 0 {
		t.Errorf("got %d packets from delimiter run, want 0", len(packets))
	}
}

func TestDecoder_InvalidEscapeDropsPacket(t *testing.T) {
	d := NewDecoder()

	if _, err := d.Write([]byte{0x01, Esc, 0x99}); err != ErrInvalidEscape {
		t.Fatalf("Write() error = %v, want ErrInvalidEscape", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after invalid escape, want 0", d.Pending())
	}

	// The decoder stays usable for the next packet.
	packets, err := d.Write([]byte{0x02, End})
	if err != nil {
		t.Fatalf("Write() after error = %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x02}) {
		t.Errorf("packets = %x, want [02]", packets)
	}
}

func TestDecoder_InvalidEscapeContinuesWithinChunk(t *testing.T) {
	d := NewDecoder()
	packets, err := d.Write([]byte{0x01, Esc, 0x99, 0x05, End})
	if err != ErrInvalidEscape {
		t.Fatalf("Write() error = %v, want ErrInvalidEscape", err)
	}
	// The bytes after the violation start a fresh packet.
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x05}) {
		t.Errorf("packets = %x, want [05]", packets)
	}
}

func TestDecoder_InvalidEscapeKeepsEarlierPackets(t *testing.T) {
	d := NewDecoder()
	chunk := append(EscapePacket([]byte{0x01}), 0x02, Esc, 0x99)
	packets, err := d.Write(chunk)
	if err != ErrInvalidEscape {
		t.Fatalf("Write() error = %v, want ErrInvalidEscape", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{0x01}) {
		t.Errorf("packets = %x, want the packet completed before the error", packets)
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Write([]byte{0x01, 0x02, Esc}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	d.Reset()
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", d.Pending())
	}

	// The cleared escape state must not corrupt the next packet.
	packets, err := d.Write([]byte{TransposedEsc, End})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], []byte{TransposedEsc}) {
		t.Errorf("packets = %x, want [dd]", packets)
	}
}
