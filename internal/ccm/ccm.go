// Package ccm implements AES-CCM (RFC 3610) behind the asynchronous
// operation contract the upper transport drives: Init, optional Digest
// for additional authenticated data, one Encrypt or Decrypt call, then
// AuthenticationValue for the tag. Completion callbacks run synchronously
// on the caller's stack; the transport serialises operations with its
// own crypto gate, so the engine itself keeps no queue.
//
// The mesh profile fixes the nonce at 13 bytes, which makes the CCM
// length field L = 2.
package ccm

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// NonceSize is the only nonce size the engine accepts.
const NonceSize = 13

const blockSize = 16

// Engine is a software AES-CCM engine. The zero value is ready; Init
// must be called before any other operation and resets all state.
type Engine struct {
	block cipher.Block
	nonce [NonceSize]byte

	micLen uint8
	aadLen uint16
	msgLen uint16

	// x is the running CBC-MAC state, s0 the first keystream block the
	// tag is masked with.
	x  [blockSize]byte
	s0 [blockSize]byte
}

// New returns a fresh engine.
func New() *Engine { return &Engine{} }

// Init starts a CCM operation. length is the plaintext/ciphertext length
// excluding the tag, aadLen the length of additional authenticated data
// that will be supplied via Digest, micLen the tag length (4, 6, 8, 10,
// 12, 14 or 16). Panics on a bad key or nonce size; key material is
// validated long before it reaches the engine.
func (e *Engine) Init(key []byte, nonce []byte, length uint16, aadLen uint16, micLen uint8) {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("ccm: " + err.Error())
	}
	if len(nonce) != NonceSize {
		panic("ccm: nonce must be 13 bytes")
	}

	e.block = block
	copy(e.nonce[:], nonce)
	e.micLen = micLen
	e.aadLen = aadLen
	e.msgLen = length

	// B0: flags, nonce, message length.
	var b0 [blockSize]byte
	b0[0] = ((micLen - 2) / 2 << 3) | 0x01 // L' = L-1 = 1
	if aadLen > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:14], e.nonce[:])
	binary.BigEndian.PutUint16(b0[14:16], length)

	e.block.Encrypt(e.x[:], b0[:])

	// S0 for the final tag mask.
	e.keystreamBlock(0, &e.s0)
}

// Digest folds the additional authenticated data into the MAC. For mesh
// this is the 16-byte label UUID of a virtual destination. done is
// invoked when the data has been absorbed.
func (e *Engine) Digest(aad []byte, done func()) {
	// The first AAD block is prefixed with the encoded AAD length.
	var b [blockSize]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(len(aad)))
	n := copy(b[2:], aad)
	e.macBlock(b[:])
	for len(aad) > n {
		aad = aad[n:]
		for i := range b {
			b[i] = 0
		}
		n = copy(b[:], aad)
		e.macBlock(b[:])
	}
	done()
}

// EncryptBlock authenticates and encrypts length bytes from in to out,
// which may alias. done is invoked on completion; the tag is then
// available via AuthenticationValue.
func (e *Engine) EncryptBlock(length uint16, in, out []byte, done func()) {
	e.mac(in[:length])
	e.ctr(in[:length], out[:length])
	done()
}

// DecryptBlock decrypts length bytes from in to out and authenticates
// the resulting plaintext. done is invoked on completion; the expected
// tag is then available via AuthenticationValue for comparison against
// the received one.
func (e *Engine) DecryptBlock(length uint16, in, out []byte, done func()) {
	e.ctr(in[:length], out[:length])
	e.mac(out[:length])
	done()
}

// AuthenticationValue writes the authentication tag into tag, which must
// hold at least micLen bytes.
func (e *Engine) AuthenticationValue(tag []byte) {
	for i := 0; i < int(e.micLen); i++ {
		tag[i] = e.x[i] ^ e.s0[i]
	}
}

func (e *Engine) macBlock(b []byte) {
	for i := 0; i < blockSize; i++ {
		e.x[i] ^= b[i]
	}
	e.block.Encrypt(e.x[:], e.x[:])
}

func (e *Engine) mac(data []byte) {
	var b [blockSize]byte
	for len(data) > 0 {
		for i := range b {
			b[i] = 0
		}
		n := copy(b[:], data)
		e.macBlock(b[:])
		data = data[n:]
	}
}

func (e *Engine) ctr(in, out []byte) {
	var s [blockSize]byte
	for i, counter := 0, uint16(1); i < len(in); counter++ {
		e.keystreamBlock(counter, &s)
		n := len(in) - i
		if n > blockSize {
			n = blockSize
		}
		for j := 0; j < n; j++ {
			out[i+j] = in[i+j] ^ s[j]
		}
		i += n
	}
}

func (e *Engine) keystreamBlock(counter uint16, s *[blockSize]byte) {
	var a [blockSize]byte
	a[0] = 0x01 // L' = 1
	copy(a[1:14], e.nonce[:])
	binary.BigEndian.PutUint16(a[14:16], counter)
	e.block.Encrypt(s[:], a[:])
}
