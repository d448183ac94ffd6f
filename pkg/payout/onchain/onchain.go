// Package onchain implements the direct-signing payout/settlement
// backend: it loads an address's encrypted private key, decrypts it,
// and broadcasts a signed BEP-20 transfer call. It satisfies both
// payout.Backend (Send) and settlement.Sweeper (Sweep) since both are,
// at bottom, "sign and broadcast a token transfer from an address this
// gateway controls." Grounded on the teacher's ethclient.Dial singleton
// in pkg/blockchain/bsc.go, extended from read-only verification to
// transaction construction and broadcast.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
	"github.com/oxzoid/gatewaycore/pkg/walletcrypto"
)

// erc20TransferSelector is the first four bytes of
// Keccak256("transfer(address,uint256)").
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// Backend signs and submits BEP-20 transfers from gateway-controlled
// addresses.
type Backend struct {
	client          *ethclient.Client
	db              *sql.DB
	contractAddress common.Address
	chainID         *big.Int
	tokenDecimals   int32
	keyPassphrase   string
}

// New dials rpcURL once and returns a ready Backend.
func New(rpcURL string, db *sql.DB, contractAddress string, chainID int64, tokenDecimals int32, keyPassphrase string) (*Backend, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to dial BSC RPC endpoint", err)
	}
	return &Backend{
		client:          client,
		db:              db,
		contractAddress: common.HexToAddress(contractAddress),
		chainID:         big.NewInt(chainID),
		tokenDecimals:   tokenDecimals,
		keyPassphrase:   keyPassphrase,
	}, nil
}

// Send implements payout.Backend by sweeping from the gateway's hot
// wallet address (addressID empty selects the default hot wallet row).
func (b *Backend) Send(ctx context.Context, destAddress string, amount money.Amount) (string, error) {
	return b.Sweep(ctx, "", destAddress, amount)
}

// Sweep implements settlement.Sweeper: transfer amount of the BEP-20
// token from the PaymentAddress identified by fromAddressID (or the
// designated hot wallet if empty) to destAddress.
func (b *Backend) Sweep(ctx context.Context, fromAddressID, destAddress string, amount money.Amount) (string, error) {
	privKey, err := b.loadPrivateKey(ctx, fromAddressID)
	if err != nil {
		return "", err
	}
	defer secretregistry.ClearBytes(crypto.FromECDSA(privKey))

	fromAddr := crypto.PubkeyToAddress(privKey.PublicKey)
	nonce, err := b.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to fetch nonce", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to fetch gas price", err)
	}

	data, err := encodeTransferCall(destAddress, amount, b.tokenDecimals)
	if err != nil {
		return "", err
	}

	const erc20TransferGasLimit = uint64(100000)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &b.contractAddress,
		Value:    big.NewInt(0),
		Gas:      erc20TransferGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.NewEIP155Signer(b.chainID)
	signedTx, err := types.SignTx(tx, signer, privKey)
	if err != nil {
		return "", gwerr.Wrap(gwerr.Internal, "PAYOUT_SIGN_FAILED", "failed to sign transfer transaction", err)
	}
	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return "", gwerr.Wrap(gwerr.External, "PAYOUT_BROADCAST_FAILED", "failed to broadcast transfer transaction", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (b *Backend) loadPrivateKey(ctx context.Context, addressID string) (*ecdsa.PrivateKey, error) {
	var encKey []byte
	var err error
	if addressID != "" {
		err = b.db.QueryRowContext(ctx, `SELECT encrypted_private_key FROM payment_addresses WHERE id = ?`, addressID).Scan(&encKey)
	} else {
		err = b.db.QueryRowContext(ctx, `
			SELECT encrypted_private_key FROM payment_addresses
			WHERE type = 'HOT_WALLET' AND status = 'ACTIVE' ORDER BY created_at ASC LIMIT 1
		`).Scan(&encKey)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, gwerr.CodeAddressNotFound, "source address not found")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "PAYOUT_ADDRESS_LOOKUP_FAILED", "failed to load source address", err)
	}
	if len(encKey) == 0 {
		return nil, gwerr.New(gwerr.Validation, "PAYOUT_ADDRESS_NOT_CONTROLLED", "source address has no stored private key")
	}
	plaintext, err := walletcrypto.DecryptFromBytes(encKey, b.keyPassphrase)
	if err != nil {
		return nil, err
	}
	defer secretregistry.ClearBytes(plaintext)
	privKey, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "PAYOUT_KEY_PARSE_FAILED", "failed to parse decrypted private key", err)
	}
	return privKey, nil
}

// encodeTransferCall ABI-encodes transfer(address,uint256).
func encodeTransferCall(destAddress string, amount money.Amount, tokenDecimals int32) ([]byte, error) {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "ABI_TYPE_FAILED", "failed to build address ABI type", err)
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "ABI_TYPE_FAILED", "failed to build uint256 ABI type", err)
	}
	args := abi.Arguments{{Type: addressType}, {Type: uint256Type}}

	rawAmount, ok := new(big.Int).SetString(amount.RawUnits(tokenDecimals), 10)
	if !ok {
		return nil, gwerr.New(gwerr.Validation, gwerr.CodeInvalidAmount, "failed to convert amount to raw token units")
	}

	packed, err := args.Pack(common.HexToAddress(destAddress), rawAmount)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "ABI_PACK_FAILED", "failed to ABI-encode transfer arguments", err)
	}
	return append(append([]byte{}, erc20TransferSelector...), packed...), nil
}
