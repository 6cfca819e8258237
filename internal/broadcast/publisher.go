// Package broadcast publishes signed attest/pause messages to the
// message bus and serializes on-chain pause submission.
package broadcast

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lsd-guardian/guardian/internal/types"
)

// Message is the stable-field-order wire shape published to the bus,
// per §6: {type, guardianAddress, guardianIndex, blockNumber,
// blockHash, depositRoot, nonce, stakingModuleId, signature}.
type Message struct {
	Type            string         `json:"type"` // "deposit" or "pause"
	GuardianAddress common.Address `json:"guardianAddress"`
	GuardianIndex   int32          `json:"guardianIndex"`
	BlockNumber     uint64         `json:"blockNumber"`
	BlockHash       common.Hash    `json:"blockHash,omitempty"`
	DepositRoot     common.Hash    `json:"depositRoot,omitempty"`
	Nonce           uint64         `json:"nonce,omitempty"`
	StakingModuleID types.ModuleID `json:"stakingModuleId"`
	Signature       wireSignature  `json:"signature"`
}

type wireSignature struct {
	R  string `json:"r"`
	VS string `json:"vs"`
}

func toWireSignature(sig types.Signature) wireSignature {
	return wireSignature{
		R:  "0x" + hex.EncodeToString(sig.R[:]),
		VS: "0x" + hex.EncodeToString(sig.VS[:]),
	}
}

// AttestMessage builds the bus payload for an attestation, carrying
// block_number so late deliveries are discardable by consumers.
func AttestMessage(guardian common.Address, guardianIndex int32, msg types.AttestMessage) Message {
	return Message{
		Type:            "deposit",
		GuardianAddress: guardian,
		GuardianIndex:   guardianIndex,
		BlockNumber:     msg.BlockNumber,
		BlockHash:       msg.BlockHash,
		DepositRoot:     msg.DepositRoot,
		Nonce:           msg.Nonce,
		StakingModuleID: msg.ModuleID,
		Signature:       toWireSignature(msg.Signature),
	}
}

// PauseMessage builds the bus payload for a pause.
func PauseMessage(msg types.PauseMessage) Message {
	return Message{
		Type:            "pause",
		GuardianAddress: msg.GuardianAddress,
		GuardianIndex:   msg.GuardianIndex,
		BlockNumber:     msg.BlockNumber,
		StakingModuleID: msg.ModuleID,
		Signature:       toWireSignature(msg.Signature),
	}
}

// Publisher publishes a Message to a single topic; consumers dedupe by
// (guardianAddress, blockNumber, stakingModuleId, type) on their side,
// so Publish need only guarantee at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Encode renders msg with a stable field order (Go's encoding/json
// preserves struct field declaration order), matching §6's wire shape.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("broadcast.Encode: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode, used by the round-trip test and by
// any in-process consumer fakes.
func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("broadcast.Decode: %w", err)
	}
	return msg, nil
}
