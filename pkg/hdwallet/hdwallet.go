// Package hdwallet derives BEP-20 (EVM-compatible) addresses and private
// keys from the gateway's master mnemonic via BIP32/BIP39, mirroring the
// HD derivation in the HD-wallet example's hdkey and address services,
// narrowed to the single EVM chain this gateway operates on.
package hdwallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
)

// DefaultPathTemplate mirrors config.Config.HDPathTemplate: BIP44 purpose
// 44', coin type 60' (Ethereum/BEP-20 shares Ethereum's registered coin
// type), account 0', external chain, then a per-address index.
const DefaultPathTemplate = "m/44'/60'/0'/0/%d"

// Derived is the output of deriving a single address: the address and
// its private key bytes. PrivateKey must be zeroed by the caller via
// secretregistry.ClearBytes once it has been encrypted for storage.
type Derived struct {
	Address        string
	PrivateKey     []byte
	DerivationPath string
}

// SeedFromMnemonic converts a BIP39 mnemonic into the seed used to build
// the BIP32 master key. passphrase may be empty.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, gwerr.New(gwerr.Validation, "INVALID_MNEMONIC", "mnemonic failed BIP39 checksum validation")
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// DeriveAt derives the address and private key at the given BIP32 index
// using pathTemplate (must contain exactly one %d verb, e.g.
// "m/44'/60'/0'/0/%d").
func DeriveAt(seed []byte, pathTemplate string, index uint32) (*Derived, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, gwerr.New(gwerr.Validation, "INVALID_SEED_LENGTH", "seed must be between 16 and 64 bytes")
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "MASTER_KEY_FAILED", "failed to derive master key", err)
	}

	path := fmt.Sprintf(pathTemplate, index)
	key, err := derivePath(master, path)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "PRIVKEY_EXTRACT_FAILED", "failed to extract private key", err)
	}
	ecdsaKey := privKey.ToECDSA()

	address := ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey).Hex()

	return &Derived{
		Address:        address,
		PrivateKey:     ethcrypto.FromECDSA(ecdsaKey),
		DerivationPath: path,
	}, nil
}

// derivePath walks a BIP32 path string (e.g. "m/44'/60'/0'/0/3") from key,
// honoring the hardened-derivation suffix '.
func derivePath(key *hdkeychain.ExtendedKey, path string) (*hdkeychain.ExtendedKey, error) {
	path = strings.TrimPrefix(path, "m/")
	if path == "" {
		return key, nil
	}
	current := key
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		hardened := strings.HasSuffix(component, "'")
		component = strings.TrimSuffix(component, "'")
		idx, err := strconv.ParseUint(component, 10, 32)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Validation, "INVALID_PATH_COMPONENT", "invalid derivation path component: "+component, err)
		}
		childIdx := uint32(idx)
		if hardened {
			childIdx += hdkeychain.HardenedKeyStart
		}
		child, err := current.Derive(childIdx)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "DERIVE_CHILD_FAILED", "failed to derive child key", err)
		}
		current = child
	}
	return current, nil
}

// Clear zeros a Derived key's private key material.
func (d *Derived) Clear() {
	if d == nil {
		return
	}
	secretregistry.ClearBytes(d.PrivateKey)
}
