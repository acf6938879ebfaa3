// internal/transport/packet.go
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// HeaderSize: seq uint64 | captureUnixNano int64, big endian.
const HeaderSize = 16

// helloSeqFlag separa os seqs de hello dos de quadro no espaço de nonce.
const helloSeqFlag = uint64(1) << 63

const (
	FormatJPEG  = "jpeg"
	FormatHello = "hello"
)

var (
	ErrShortPacket = errors.New("packet shorter than header")
	ErrAuth        = errors.New("packet authentication failed")
)

type Header struct {
	Seq        uint64
	CapturedAt time.Time
}

// Envelope é o conteúdo cifrado de cada pacote de mídia.
type Envelope struct {
	Format string `msgpack:"format"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Data   []byte `msgpack:"data"`
}

func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(b[0:8], h.Seq)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.CapturedAt.UnixNano()))
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		Seq:        binary.BigEndian.Uint64(b[0:8]),
		CapturedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16]))).UTC(),
	}, nil
}

// SealPacket monta um pacote: cabeçalho em claro (autenticado) + envelope cifrado.
func (k *Keys) SealPacket(h Header, env Envelope) ([]byte, error) {
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return k.seal(h.Seq, encodeHeader(h), body), nil
}

// OpenPacket valida e abre um pacote recebido.
func (k *Keys) OpenPacket(pkt []byte) (Header, Envelope, error) {
	h, err := decodeHeader(pkt)
	if err != nil {
		return Header{}, Envelope{}, err
	}
	plain, err := k.open(h.Seq, pkt[:HeaderSize], pkt[HeaderSize:])
	if err != nil {
		return h, Envelope{}, ErrAuth
	}
	var env Envelope
	if err := msgpack.Unmarshal(plain, &env); err != nil {
		return h, Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return h, env, nil
}

// SealHello é o primeiro pacote enviado pelo offerer no link de mídia:
// prova que ele tem as chaves da sessão. Cada chamada usa um seq novo com
// o bit alto ligado, então dois candidatos nunca repetem nonce.
func (k *Keys) SealHello(sessionID string) ([]byte, error) {
	seq := helloSeqFlag | k.hellos.Add(1)
	return k.SealPacket(Header{Seq: seq, CapturedAt: time.Now()}, Envelope{
		Format: FormatHello,
		Data:   []byte(sessionID),
	})
}

// VerifyHello é usado pelo answerer ao aceitar o link de mídia.
func (k *Keys) VerifyHello(pkt []byte, sessionID string) error {
	h, env, err := k.OpenPacket(pkt)
	if err != nil {
		return err
	}
	if h.Seq&helloSeqFlag == 0 {
		return fmt.Errorf("hello seq %d outside hello range", h.Seq)
	}
	if env.Format != FormatHello || string(env.Data) != sessionID {
		return fmt.Errorf("unexpected hello (format=%q)", env.Format)
	}
	return nil
}
