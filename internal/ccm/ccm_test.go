package ccm

import (
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Packet vectors 1-3 from RFC 3610, all using a 13-byte nonce (L = 2)
// like the mesh profile.
func TestEncryptRFC3610Vectors(t *testing.T) {
	key := "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf"
	tests := []struct {
		nonce      string
		aad        string
		plaintext  string
		ciphertext string
		tag        string
	}{
		{
			nonce:      "00000003020100a0a1a2a3a4a5",
			aad:        "0001020304050607",
			plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
			ciphertext: "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384",
			tag:        "17e8d12cfdf926e0",
		},
		{
			nonce:      "00000004030201a0a1a2a3a4a5",
			aad:        "0001020304050607",
			plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
			ciphertext: "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3b",
			tag:        "a091d56e10400916",
		},
		{
			nonce:      "00000005040302a0a1a2a3a4a5",
			aad:        "0001020304050607",
			plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20",
			ciphertext: "51b1e5f44a197d1da46b0f8e2d282ae871e838bb64da859657",
			tag:        "4adaa76fbd9fb0c5",
		},
	}
	for _, test := range tests {
		t.Run(test.nonce, func(t *testing.T) {
			plaintext := mustHex(t, test.plaintext)
			aad := mustHex(t, test.aad)
			wantCiphertext := mustHex(t, test.ciphertext)
			wantTag := mustHex(t, test.tag)

			e := New()
			e.Init(mustHex(t, key), mustHex(t, test.nonce),
				uint16(len(plaintext)), uint16(len(aad)), uint8(len(wantTag)))

			digested := false
			e.Digest(aad, func() { digested = true })
			if !digested {
				t.Fatal("digest callback not invoked")
			}

			got := make([]byte, len(plaintext))
			done := false
			e.EncryptBlock(uint16(len(plaintext)), plaintext, got, func() { done = true })
			if !done {
				t.Fatal("encrypt callback not invoked")
			}
			if diff := cmp.Diff(wantCiphertext, got); diff != "" {
				t.Errorf("ciphertext mismatch (-want +got):\n%v", diff)
			}

			tag := make([]byte, len(wantTag))
			e.AuthenticationValue(tag)
			if diff := cmp.Diff(wantTag, tag); diff != "" {
				t.Errorf("tag mismatch (-want +got):\n%v", diff)
			}
		})
	}
}

func TestDecryptRecoversPlaintextAndTag(t *testing.T) {
	key := mustHex(t, "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf")
	nonce := mustHex(t, "00000003020100a0a1a2a3a4a5")
	plaintext := mustHex(t, "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e")
	ciphertext := mustHex(t, "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384")
	aad := mustHex(t, "0001020304050607")
	wantTag := mustHex(t, "17e8d12cfdf926e0")

	e := New()
	e.Init(key, nonce, uint16(len(ciphertext)), uint16(len(aad)), 8)
	e.Digest(aad, func() {})

	got := make([]byte, len(ciphertext))
	e.DecryptBlock(uint16(len(ciphertext)), ciphertext, got, func() {})
	if diff := cmp.Diff(plaintext, got); diff != "" {
		t.Errorf("plaintext mismatch (-want +got):\n%v", diff)
	}

	tag := make([]byte, 8)
	e.AuthenticationValue(tag)
	if diff := cmp.Diff(wantTag, tag); diff != "" {
		t.Errorf("tag mismatch (-want +got):\n%v", diff)
	}
}

// The mesh profile uses 4-byte tags without AAD for unicast access PDUs
// and a 16-byte label UUID as AAD for virtual ones; check both shapes
// round-trip in place.
func TestRoundTripMeshShapes(t *testing.T) {
	key := mustHex(t, "63964771734fbd76e3b40519d1d94a48")
	nonce := mustHex(t, "0100000708090a0b0c0d0e0f10")
	label := mustHex(t, "f4a002c7fb1e4ca0a469a021de0db875")

	for _, aad := range [][]byte{nil, label} {
		plaintext := mustHex(t, "ea0a00576f726c64")
		buf := make([]byte, len(plaintext))
		copy(buf, plaintext)

		e := New()
		e.Init(key, nonce, uint16(len(buf)), uint16(len(aad)), 4)
		if len(aad) > 0 {
			e.Digest(aad, func() {})
		}
		e.EncryptBlock(uint16(len(buf)), buf, buf, func() {})
		tag := make([]byte, 4)
		e.AuthenticationValue(tag)

		d := New()
		d.Init(key, nonce, uint16(len(buf)), uint16(len(aad)), 4)
		if len(aad) > 0 {
			d.Digest(aad, func() {})
		}
		d.DecryptBlock(uint16(len(buf)), buf, buf, func() {})
		gotTag := make([]byte, 4)
		d.AuthenticationValue(gotTag)

		if diff := cmp.Diff(plaintext, buf); diff != "" {
			t.Errorf("aad len %v: plaintext mismatch (-want +got):\n%v", len(aad), diff)
		}
		if diff := cmp.Diff(tag, gotTag); diff != "" {
			t.Errorf("aad len %v: tag mismatch (-want +got):\n%v", len(aad), diff)
		}
	}
}
