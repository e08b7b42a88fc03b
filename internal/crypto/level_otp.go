package crypto

import (
	"context"

	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
)

// otpLevel is a true one-time pad: the quantum key is exactly as long as the
// plaintext bit string, used once, and consumed after a successful
// decryption. The ciphertext is an ASCII bit string ('0'/'1' per bit) so the
// pad arithmetic stays inspectable end to end.
//
// The default encoding spends eight key bits per plaintext byte. The reduced
// mode (OneBitPerChar) spends one key bit per byte, padding only that byte's
// low bit; decryption then yields '0'/'1' characters, not the original bytes.
type otpLevel struct {
	keys KeyProvider
}

func (l *otpLevel) Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, errors.ErrValidation("plaintext must not be empty")
	}

	ptBits := toBits(plaintext, opts.OneBitPerChar)

	// A pad shorter than the message leaks structure; one longer is wasted
	// quantum material. Request exactly the bit length, rounded up to the
	// byte-aligned sizes the agreement produces.
	sizeBits := len(ptBits)
	if rem := sizeBits % 8; rem != 0 {
		sizeBits += 8 - rem
	}

	qk, err := l.keys.RequestKey(ctx, opts.Requester, opts.Recipient, sizeBits)
	if err != nil {
		return nil, err
	}
	keyBits := unpackBits(qk.Material)
	if len(keyBits) < len(ptBits) {
		return nil, errors.ErrEncryptionFailure("pad shorter than plaintext").
			WithMetadata("key_bits", len(keyBits)).
			WithMetadata("plaintext_bits", len(ptBits))
	}

	cipherBits := make([]byte, len(ptBits))
	for i := range ptBits {
		cipherBits[i] = ptBits[i] ^ keyBits[i]
	}

	return &Result{
		Ciphertext: bitsToASCII(cipherBits),
		Metadata: map[string]string{
			MetaAlgorithm: constants.AlgorithmQKDOTP,
			MetaKeyID:     qk.KeyID,
		},
	}, nil
}

func (l *otpLevel) Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error) {
	if err := requireParties(opts); err != nil {
		return nil, err
	}
	if opts.KeyID == "" {
		return nil, errors.ErrMissingField("key_id")
	}

	cipherBits, err := asciiToBits(ciphertext)
	if err != nil {
		return nil, err
	}

	qk, err := l.keys.GetKey(ctx, opts.Recipient, opts.KeyID)
	if err != nil {
		return nil, err
	}
	keyBits := unpackBits(qk.Material)
	if len(keyBits) < len(cipherBits) {
		return nil, errors.ErrEncryptionFailure("pad length does not match ciphertext").
			WithMetadata("key_bits", len(keyBits)).
			WithMetadata("ciphertext_bits", len(cipherBits))
	}

	ptBits := make([]byte, len(cipherBits))
	for i := range cipherBits {
		ptBits[i] = cipherBits[i] ^ keyBits[i]
	}

	var plaintext []byte
	if opts.OneBitPerChar {
		plaintext = bitsToASCII(ptBits)
	} else {
		if len(ptBits)%8 != 0 {
			return nil, errors.ErrEncryptionFailure("ciphertext bit length is not byte aligned")
		}
		plaintext = fromBits(ptBits)
	}

	// The pad is spent. Retire it so it can never encrypt or decrypt again.
	if cerr := l.keys.ConsumeKey(ctx, opts.Recipient, opts.KeyID); cerr != nil && !errors.IsConsumed(cerr) {
		return nil, cerr
	}

	return plaintext, nil
}

// toBits expands plaintext into one byte per bit, MSB first. Reduced mode
// takes only each byte's low bit.
func toBits(data []byte, oneBitPerChar bool) []byte {
	if oneBitPerChar {
		bits := make([]byte, len(data))
		for i, b := range data {
			bits[i] = b & 1
		}
		return bits
	}
	bits := make([]byte, 0, len(data)*8)
	for _, b := range data {
		for shift := 7; shift >= 0; shift-- {
			bits = append(bits, (b>>uint(shift))&1)
		}
	}
	return bits
}

// fromBits packs a byte-aligned bit string back into bytes, MSB first.
func fromBits(bits []byte) []byte {
	out := make([]byte, len(bits)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// unpackBits expands packed key material into one byte per bit, MSB first.
func unpackBits(material []byte) []byte {
	return toBits(material, false)
}

func bitsToASCII(bits []byte) []byte {
	out := make([]byte, len(bits))
	for i, b := range bits {
		out[i] = '0' + b
	}
	return out
}

func asciiToBits(s []byte) ([]byte, error) {
	bits := make([]byte, len(s))
	for i, c := range s {
		switch c {
		case '0':
			bits[i] = 0
		case '1':
			bits[i] = 1
		default:
			return nil, errors.ErrValidation("ciphertext is not a bit string").
				WithMetadata("position", i)
		}
	}
	return bits, nil
}
