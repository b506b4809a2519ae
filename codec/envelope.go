package codec

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"

	"xpledger/crypto"
)

// MaxEnvelopeBody bounds the message body carried by one envelope.
const MaxEnvelopeBody = MaxUpgradeCode + 1024

var (
	// ErrBodyTooLarge is returned when an envelope body exceeds MaxEnvelopeBody.
	ErrBodyTooLarge = errors.New("codec: envelope body exceeds limit")
	// ErrBadSignature is returned when an envelope signature does not recover
	// to the declared sender.
	ErrBadSignature = errors.New("codec: envelope signature mismatch")
)

// Envelope is the signed, fee-priced wrapper a message travels in. The
// ledger never sees an unwrapped body: sender identity and the attached fee
// both live here, not in the message layout.
type Envelope struct {
	Sender    crypto.Address
	Fee       uint64
	Body      []byte
	Signature []byte
}

// canonicalPayload is the byte string that is signed and hashed:
// sender | fee:64 | bodyLen:32 | body.
func (e *Envelope) canonicalPayload() []byte {
	w := &bitWriter{}
	w.writeBytes(e.Sender.Bytes())
	w.writeUint(e.Fee, 64)
	w.writeUint(uint64(len(e.Body)), 32)
	w.writeBytes(e.Body)
	return w.bytes()
}

// SigningDigest returns the keccak-256 digest the sender signs.
func (e *Envelope) SigningDigest() []byte {
	return ethcrypto.Keccak256(e.canonicalPayload())
}

// Hash identifies a submitted envelope. Two envelopes with identical payload
// but different signatures hash differently, so every submission attempt has
// its own hash.
func (e *Envelope) Hash() [32]byte {
	payload := e.canonicalPayload()
	buf := make([]byte, 0, len(payload)+len(e.Signature))
	buf = append(buf, payload...)
	buf = append(buf, e.Signature...)
	return blake3.Sum256(buf)
}

// NewSignedEnvelope wraps a message body, attaching the fee and a recoverable
// signature from the key. The envelope sender is the key's address.
func NewSignedEnvelope(key *crypto.PrivateKey, fee uint64, body []byte) (*Envelope, error) {
	if key == nil {
		return nil, errors.New("codec: nil signing key")
	}
	if len(body) > MaxEnvelopeBody {
		return nil, ErrBodyTooLarge
	}
	env := &Envelope{Sender: key.PubKey().Address(), Fee: fee, Body: body}
	sig, err := key.Sign(env.SigningDigest())
	if err != nil {
		return nil, fmt.Errorf("codec: sign envelope: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Verify checks that the signature recovers to the declared sender.
func (e *Envelope) Verify() error {
	if len(e.Signature) == 0 {
		return ErrBadSignature
	}
	recovered, err := crypto.RecoverAddress(e.SigningDigest(), e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != e.Sender {
		return ErrBadSignature
	}
	return nil
}

// EncodeEnvelope packs an envelope for transport: canonical payload followed
// by a 16-bit signature length and the signature bytes.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("codec: nil envelope")
	}
	if len(e.Body) > MaxEnvelopeBody {
		return nil, ErrBodyTooLarge
	}
	w := &bitWriter{}
	w.writeBytes(e.canonicalPayload())
	w.writeUint(uint64(len(e.Signature)), 16)
	w.writeBytes(e.Signature)
	return w.bytes(), nil
}

// DecodeEnvelope parses a transport envelope. The signature is carried, not
// checked; callers run Verify separately.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	r := newBitReader(buf)
	senderBytes, err := r.readBytes(crypto.AddressLength)
	if err != nil {
		return nil, err
	}
	sender, err := crypto.NewAddress(senderBytes)
	if err != nil {
		return nil, err
	}
	fee, err := r.readUint(64)
	if err != nil {
		return nil, err
	}
	bodyLen, err := r.readUint(32)
	if err != nil {
		return nil, err
	}
	if bodyLen > MaxEnvelopeBody {
		return nil, ErrBodyTooLarge
	}
	if r.remaining() < uint(bodyLen)*8 {
		return nil, ErrTruncated
	}
	body, err := r.readBytes(int(bodyLen))
	if err != nil {
		return nil, err
	}
	sigLen, err := r.readUint(16)
	if err != nil {
		return nil, err
	}
	sig, err := r.readBytes(int(sigLen))
	if err != nil {
		return nil, err
	}
	if err := r.expectEnd(); err != nil {
		return nil, err
	}
	return &Envelope{Sender: sender, Fee: fee, Body: body, Signature: sig}, nil
}
