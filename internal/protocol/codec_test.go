package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

// makeTestData generates deterministic test data of the given size.
// Each byte is derived from its index XOR-ed with the seed, so different
// packets produce distinguishable payloads.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for payload sizes on both sides of the compression threshold.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name           string
		typeName       string
		size           int
		wantCompressed bool
	}{
		{"single byte", "Ping", 1, false},
		{"small payload", "ClipboardContent", 11, false},
		{"16KB payload", "DesktopPicture", 16 * 1024, false},
		{"just below threshold", "DesktopPicture", DefaultCompressionThreshold - 1, false},
		{"at threshold", "DesktopPicture", DefaultCompressionThreshold, true},
		{"above threshold", "DesktopPicture", 3 * DefaultCompressionThreshold, true},
		{"unicode type name", "Grüße", 32, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload := makeTestData(tc.size, 0x5A)

			encoded, err := Encode(tc.typeName, payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Type != tc.typeName {
				t.Errorf("Type mismatch: got %q, want %q", decoded.Type, tc.typeName)
			}
			if decoded.Compressed() != tc.wantCompressed {
				t.Errorf("Compressed mismatch: got %t, want %t", decoded.Compressed(), tc.wantCompressed)
			}
			if decoded.WireSize() != len(encoded) {
				t.Errorf("WireSize mismatch: got %d, want %d", decoded.WireSize(), len(encoded))
			}
			if !bytes.Equal(decoded.Payload, payload) {
				t.Errorf("Payload mismatch for %d bytes", tc.size)
			}
		})
	}
}

// TestEncodeLayout pins the bit-exact header layout.
func TestEncodeLayout(t *testing.T) {
	encoded, err := Encode("AB", []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{
		0xCA, 0xFE, 0xF0, 0x0D, // magic
		'A', 'B', 0x00, // type name
		0x03, 0, 0, 0, 0, 0, 0, 0, // length
		0x01, 0x02, 0x03, // payload
	}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("layout mismatch:\n got % X\nwant % X", encoded, want)
	}
}

// TestCompressionRoundTrip encodes a 10 MB payload with every algorithm and
// checks the compressed magic and the post-compression length field.
func TestCompressionRoundTrip(t *testing.T) {
	const size = 10_000_000
	payload := makeTestData(size, 0x11)

	for _, algorithm := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(algorithm), func(t *testing.T) {
			codec := &Codec{Compression: algorithm}

			encoded, err := codec.Encode("DesktopPicture", payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			if magic := binary.LittleEndian.Uint32(encoded[:4]); magic != MagicCompressed {
				t.Fatalf("magic = 0x%08X, want 0x%08X", magic, MagicCompressed)
			}

			decoded, err := codec.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Length >= size {
				t.Errorf("Length = %d, want the compressed size", decoded.Length)
			}
			if decoded.WireSize() != len(encoded) {
				t.Errorf("WireSize = %d, want %d", decoded.WireSize(), len(encoded))
			}
			if !bytes.Equal(decoded.Payload, payload) {
				t.Error("decompressed payload mismatch")
			}
		})
	}
}

// TestDecodeTooShort verifies that any buffer below MinPacketSize fails.
func TestDecodeTooShort(t *testing.T) {
	valid, err := Encode("T", []byte("payload"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for size := 0; size < MinPacketSize; size++ {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			_, err := Decode(valid[:size])
			if !errors.Is(err, ErrCorruptPacket) {
				t.Fatalf("expected ErrCorruptPacket, got %v", err)
			}
		})
	}
}

// TestDecodeStrictLength checks that the declared length alone decides how
// many payload bytes are read.
func TestDecodeStrictLength(t *testing.T) {
	t.Run("trailing bytes are not consumed", func(t *testing.T) {
		encoded, err := Encode("T", []byte{0x42})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		encoded = append(encoded, 0xDE, 0xAD, 0xBE, 0xEF)

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if len(decoded.Payload) != 1 || decoded.Payload[0] != 0x42 {
			t.Fatalf("payload = % X, want 42", decoded.Payload)
		}
		if decoded.WireSize() != len(encoded)-4 {
			t.Errorf("WireSize = %d, want %d", decoded.WireSize(), len(encoded)-4)
		}
	})

	t.Run("declared length exceeds buffer", func(t *testing.T) {
		encoded, err := Encode("T", []byte("hello"))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		// Length field starts after magic(4) + "T\x00"(2).
		binary.LittleEndian.PutUint64(encoded[6:14], 6)

		if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPacket) {
			t.Fatalf("expected ErrCorruptPacket, got %v", err)
		}
	})

	t.Run("huge declared length", func(t *testing.T) {
		encoded, err := Encode("T", []byte("hello"))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		binary.LittleEndian.PutUint64(encoded[6:14], ^uint64(0))

		if _, err := Decode(encoded); !errors.Is(err, ErrCorruptPacket) {
			t.Fatalf("expected ErrCorruptPacket, got %v", err)
		}
	})
}

// TestDecodeCorrupt covers malformed headers.
func TestDecodeCorrupt(t *testing.T) {
	valid, err := Encode("Type", []byte("payload bytes"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	badMagic := bytes.Clone(valid)
	badMagic[3] = 0x7F

	noTerminator := bytes.Clone(valid)
	for i := 4; i < len(noTerminator); i++ {
		if noTerminator[i] == 0 {
			noTerminator[i] = 'x'
		}
	}

	emptyType := bytes.Clone(valid)
	emptyType[4] = 0

	badCompressed := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(badCompressed[:4], MagicCompressed)

	testCases := []struct {
		name string
		data []byte
	}{
		{"unknown magic", badMagic},
		{"missing type terminator", noTerminator},
		{"empty type name", emptyType},
		{"compressed magic over plain bytes", badCompressed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, ErrCorruptPacket) {
				t.Fatalf("expected ErrCorruptPacket, got %v", err)
			}
		})
	}
}

// TestEncodeRejectsInvalidInput covers the encoder's own precondition checks.
func TestEncodeRejectsInvalidInput(t *testing.T) {
	if _, err := Encode("", []byte("x")); !errors.Is(err, ErrInvalidType) {
		t.Errorf("empty type: got %v, want ErrInvalidType", err)
	}
	if _, err := Encode("a\x00b", []byte("x")); !errors.Is(err, ErrInvalidType) {
		t.Errorf("NUL in type: got %v, want ErrInvalidType", err)
	}
	if _, err := Encode("T", nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("empty payload: got %v, want ErrEmptyPayload", err)
	}
}

// TestDecodePreservesPayload verifies that the payload is copied and not
// aliased to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded, err := Encode("T", []byte("original"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[len(encoded)-1] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %q", decoded.Payload)
	}
}

func TestParseCompression(t *testing.T) {
	testCases := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"lzma", "", true},
	}

	for _, tc := range testCases {
		got, err := ParseCompression(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %t", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
