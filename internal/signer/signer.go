// Package signer implements deterministic EIP-191-style recoverable
// secp256k1 signing for attest and pause messages, and holds the
// wallet's private key for the process lifetime.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lsd-guardian/guardian/internal/contracts"
	"github.com/lsd-guardian/guardian/internal/types"
)

// PrefixSource reads the DSM contract's message-prefix constants; in
// production this is *contracts.DSM, satisfied here as a narrow
// interface so the signer is independently testable.
type PrefixSource interface {
	AttestMessagePrefix(ctx context.Context) ([32]byte, error)
	PauseMessagePrefix(ctx context.Context) ([32]byte, error)
}

// Signer holds the guardian's secp256k1 key for the process lifetime
// and never exposes it; only the derived address is public.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	prefix  PrefixSource

	attestOnce   sync.Once
	attestPrefix [32]byte
	attestErr    error

	pauseOnce   sync.Once
	pausePrefix [32]byte
	pauseErr    error
}

// New constructs a Signer from a hex-encoded 32-byte private key.
func New(privateKeyHex string, prefix PrefixSource) (*Signer, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, types.ConfigInvalid("signer.New", fmt.Errorf("invalid WALLET_PRIVATE_KEY: %w", err))
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		prefix:  prefix,
	}, nil
}

// Address is the guardian's on-chain address, derived from the key at
// construction time.
func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) attestMessagePrefix(ctx context.Context) ([32]byte, error) {
	s.attestOnce.Do(func() {
		s.attestPrefix, s.attestErr = s.prefix.AttestMessagePrefix(ctx)
	})
	return s.attestPrefix, s.attestErr
}

func (s *Signer) pauseMessagePrefix(ctx context.Context) ([32]byte, error) {
	s.pauseOnce.Do(func() {
		s.pausePrefix, s.pauseErr = s.prefix.PauseMessagePrefix(ctx)
	})
	return s.pausePrefix, s.pauseErr
}

// AttestInput is the set of fields sign_attest hashes, per §4.5.
type AttestInput struct {
	DepositRoot common.Hash
	Nonce       uint64
	BlockNumber uint64
	BlockHash   common.Hash
	ModuleID    types.ModuleID
}

// SignAttest produces
// keccak256(prefix || keccak256(depositRoot || nonce || blockNumber || blockHash || moduleId))
// signed with recoverable secp256k1. Same input always yields the same
// {r, s, v}: crypto.Sign is deterministic (RFC 6979) given a fixed key.
func (s *Signer) SignAttest(ctx context.Context, in AttestInput) (types.Signature, error) {
	prefix, err := s.attestMessagePrefix(ctx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("signer.SignAttest: reading prefix: %w", err)
	}

	inner := crypto.Keccak256(
		in.DepositRoot[:],
		leftPadUint64(in.Nonce),
		leftPadUint64(in.BlockNumber),
		in.BlockHash[:],
		leftPadUint64(uint64(in.ModuleID)),
	)
	hash := crypto.Keccak256(prefix[:], inner)
	return s.sign(hash)
}

// PauseInput is the set of fields sign_pause hashes, per §4.5.
type PauseInput struct {
	BlockNumber uint64
	ModuleID    types.ModuleID
}

// SignPause produces
// keccak256(prefix || keccak256(blockNumber || moduleId)) signed the
// same way as SignAttest.
func (s *Signer) SignPause(ctx context.Context, in PauseInput) (types.Signature, error) {
	prefix, err := s.pauseMessagePrefix(ctx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("signer.SignPause: reading prefix: %w", err)
	}

	inner := crypto.Keccak256(
		leftPadUint64(in.BlockNumber),
		leftPadUint64(uint64(in.ModuleID)),
	)
	hash := crypto.Keccak256(prefix[:], inner)
	return s.sign(hash)
}

func (s *Signer) sign(hash []byte) (types.Signature, error) {
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return types.Signature{}, fmt.Errorf("signer.sign: %w", err)
	}
	var out types.Signature
	copy(out.R[:], sig[0:32])
	copy(out.S[:], sig[32:64])
	out.V = sig[64] + 27

	copy(out.VS[:], sig[32:64])
	if sig[64] == 1 {
		out.VS[0] |= 0x80
	}
	return out, nil
}

// RecoverAddress recovers the signer address from a signature and the
// final hash SignAttest/SignPause signed, for tests that exercise the
// round trip end to end.
func RecoverAddress(hash []byte, sig types.Signature) (common.Address, error) {
	rs := make([]byte, 65)
	copy(rs[0:32], sig.R[:])
	copy(rs[32:64], sig.S[:])
	rs[64] = sig.V - 27
	pub, err := crypto.SigToPub(hash, rs)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// leftPadUint64 encodes v as a 32-byte big-endian left-padded word,
// matching EVM word packing for abi.encodePacked(uint256).
func leftPadUint64(v uint64) []byte {
	b := new(big.Int).SetUint64(v).Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// SignerFn returns a bind.SignerFn that signs transactions with the
// guardian's own wallet key under EIP-155 replay protection, so
// PauseDeposits submissions never need a remote signer or keystore.
func (s *Signer) SignerFn(chainID *big.Int) bind.SignerFn {
	txSigner := gethtypes.LatestSignerForChainID(chainID)
	return func(addr common.Address, tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
		if addr != s.address {
			return nil, fmt.Errorf("signer.SignerFn: requested address %s does not match guardian wallet %s", addr, s.address)
		}
		return gethtypes.SignTx(tx, txSigner, s.key)
	}
}

var _ PrefixSource = (*contracts.DSM)(nil)
