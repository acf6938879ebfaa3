// internal/transport/keys.go
package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Role identifica o lado da sessão. Quem cria a oferta é o Offerer (backend).
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

const hkdfInfo = "cam-sentinel media v1"

// KeyPair é um par X25519 efêmero, um por sessão.
type KeyPair struct {
	private [32]byte
	public  [32]byte
}

func NewKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey devolve a chave pública em base64 (vai na oferta / resposta).
func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

// DecodePublicKey valida a chave recebida do par.
func DecodePublicKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("public key base64: %w", err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("public key must be %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Keys guarda as cifras de cada direção. Para o resto do sistema é opaco.
type Keys struct {
	send cipher.AEAD
	recv cipher.AEAD

	// cada Dial da sessão manda um hello próprio com a mesma chave de envio
	hellos atomic.Uint64
}

// DeriveKeys faz o ECDH com a chave do par e expande o segredo com HKDF
// (salt = id da sessão) em uma chave por direção.
func DeriveKeys(kp *KeyPair, peerPublic [32]byte, sessionID string, role Role) (*Keys, error) {
	shared, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	r := hkdf.New(sha256.New, shared, []byte(sessionID), []byte(hkdfInfo))
	material := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	// primeira metade: offerer -> answerer; segunda: answerer -> offerer
	toAnswerer, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	toOfferer, err := chacha20poly1305.New(material[chacha20poly1305.KeySize:])
	if err != nil {
		return nil, err
	}

	if role == RoleOfferer {
		return &Keys{send: toAnswerer, recv: toOfferer}, nil
	}
	return &Keys{send: toOfferer, recv: toAnswerer}, nil
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

func (k *Keys) seal(seq uint64, header, plaintext []byte) []byte {
	out := make([]byte, 0, len(header)+len(plaintext)+k.send.Overhead())
	out = append(out, header...)
	return k.send.Seal(out, nonceFor(seq), plaintext, header)
}

func (k *Keys) open(seq uint64, header, ciphertext []byte) ([]byte, error) {
	return k.recv.Open(nil, nonceFor(seq), ciphertext, header)
}
