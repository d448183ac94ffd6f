// Package walletcrypto encrypts private keys at rest before they are
// persisted on a PaymentAddress record. Grounded on the
// Argon2id + AES-256-GCM envelope in the HD-wallet example this module
// draws from, generalized from mnemonic-only encryption to any secret
// byte payload (derived private keys, in this gateway's case) and wired
// to the gateway's own error taxonomy instead of bare fmt.Errorf.
package walletcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/argon2"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
)

// Argon2id parameters, OWASP-recommended baseline.
const (
	argon2Time    = 4
	argon2Memory  = 256 * 1024 // KiB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
	aesNonceLen   = 12
	envelopeVersion = byte(1)
)

// Envelope is an encrypted secret with the parameters needed to decrypt it.
type Envelope struct {
	Version    byte
	Time       uint32
	Memory     uint32
	Threads    byte
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt seals plaintext under a key derived from passphrase via
// Argon2id. The caller's plaintext slice is zeroed before returning.
func Encrypt(plaintext []byte, passphrase string) (*Envelope, error) {
	defer secretregistry.ClearBytes(plaintext)

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "KDF_SALT_FAILED", "failed to generate salt", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer secretregistry.ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "CIPHER_INIT_FAILED", "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "GCM_INIT_FAILED", "failed to create GCM", err)
	}

	nonce := make([]byte, aesNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "NONCE_FAILED", "failed to generate nonce", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version:    envelopeVersion,
		Time:       argon2Time,
		Memory:     argon2Memory,
		Threads:    argon2Threads,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt reverses Encrypt. The returned plaintext must be zeroed by the
// caller via secretregistry.ClearBytes once consumed.
func Decrypt(env *Envelope, passphrase string) ([]byte, error) {
	if env == nil {
		return nil, gwerr.New(gwerr.Validation, "ENVELOPE_NIL", "encrypted envelope is nil")
	}
	if len(env.Salt) != argon2SaltLen {
		return nil, gwerr.New(gwerr.Validation, "ENVELOPE_BAD_SALT", "invalid salt length")
	}
	if len(env.Nonce) != aesNonceLen {
		return nil, gwerr.New(gwerr.Validation, "ENVELOPE_BAD_NONCE", "invalid nonce length")
	}

	key := argon2.IDKey([]byte(passphrase), env.Salt, env.Time, env.Memory, env.Threads, argon2KeyLen)
	defer secretregistry.ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "CIPHER_INIT_FAILED", "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "GCM_INIT_FAILED", "failed to create GCM", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, gwerr.New(gwerr.Auth, "DECRYPTION_FAILED", "wrong passphrase or corrupted envelope")
	}
	return plaintext, nil
}

// Serialize renders an Envelope to the on-disk binary layout:
// [version:1][time:4][memory:4][threads:1][salt:16][nonce:12][ciphertext:N]
func Serialize(env *Envelope) []byte {
	size := 1 + 4 + 4 + 1 + len(env.Salt) + len(env.Nonce) + len(env.Ciphertext)
	out := make([]byte, size)
	offset := 0
	out[offset] = env.Version
	offset++
	binary.BigEndian.PutUint32(out[offset:], env.Time)
	offset += 4
	binary.BigEndian.PutUint32(out[offset:], env.Memory)
	offset += 4
	out[offset] = env.Threads
	offset++
	copy(out[offset:], env.Salt)
	offset += len(env.Salt)
	copy(out[offset:], env.Nonce)
	offset += len(env.Nonce)
	copy(out[offset:], env.Ciphertext)
	return out
}

// Deserialize reverses Serialize.
func Deserialize(data []byte) (*Envelope, error) {
	minSize := 1 + 4 + 4 + 1 + argon2SaltLen + aesNonceLen
	if len(data) < minSize {
		return nil, gwerr.New(gwerr.Validation, "ENVELOPE_TOO_SHORT", "encrypted data shorter than envelope header")
	}
	offset := 0
	version := data[offset]
	offset++
	t := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	m := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	threads := data[offset]
	offset++
	salt := make([]byte, argon2SaltLen)
	copy(salt, data[offset:offset+argon2SaltLen])
	offset += argon2SaltLen
	nonce := make([]byte, aesNonceLen)
	copy(nonce, data[offset:offset+aesNonceLen])
	offset += aesNonceLen
	ciphertext := make([]byte, len(data)-offset)
	copy(ciphertext, data[offset:])
	return &Envelope{
		Version: version, Time: t, Memory: m, Threads: threads,
		Salt: salt, Nonce: nonce, Ciphertext: ciphertext,
	}, nil
}

// EncryptToBytes is the common-case helper: encrypt then serialize in one
// call, used when persisting PaymentAddress.EncryptedPrivateKey.
func EncryptToBytes(plaintext []byte, passphrase string) ([]byte, error) {
	env, err := Encrypt(plaintext, passphrase)
	if err != nil {
		return nil, err
	}
	return Serialize(env), nil
}

// DecryptFromBytes is the common-case inverse of EncryptToBytes.
func DecryptFromBytes(data []byte, passphrase string) ([]byte, error) {
	env, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	return Decrypt(env, passphrase)
}
