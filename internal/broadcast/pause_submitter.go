package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/lsd-guardian/guardian/internal/contracts"
	"github.com/lsd-guardian/guardian/internal/types"
)

// PauseState is a module's position in the
// Idle -> Signing -> Broadcasting -> OnChainPending -> Idle|Failed
// state machine from §4.6. A module in OnChainPending skips further
// pause attempts until completion; Failed is retried on the next
// block.
type PauseState int

const (
	PauseIdle PauseState = iota
	PauseSigning
	PauseBroadcasting
	PauseOnChainPending
	PauseFailed
)

func (s PauseState) String() string {
	switch s {
	case PauseSigning:
		return "signing"
	case PauseBroadcasting:
		return "broadcasting"
	case PauseOnChainPending:
		return "on_chain_pending"
	case PauseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ReceiptWaiter waits for one confirmation of a submitted transaction.
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, txHash common.Hash) (success bool, err error)
}

// PauseSubmitter gates on-chain pause submission behind a process-wide
// mutex: at most one pause transaction is in flight at any instant,
// across all modules, which is what prevents nonce races on the
// guardian wallet (§5).
type PauseSubmitter struct {
	mu     sync.Mutex // the process-wide serial mutex itself
	dsm    *contracts.DSM
	waiter ReceiptWaiter

	statesMu sync.Mutex
	states   map[types.ModuleID]PauseState
	attempts map[types.ModuleID]int
}

func NewPauseSubmitter(dsm *contracts.DSM, waiter ReceiptWaiter) *PauseSubmitter {
	return &PauseSubmitter{
		dsm:      dsm,
		waiter:   waiter,
		states:   make(map[types.ModuleID]PauseState),
		attempts: make(map[types.ModuleID]int),
	}
}

// State returns a module's current position in the state machine.
func (s *PauseSubmitter) State(module types.ModuleID) PauseState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	return s.states[module]
}

func (s *PauseSubmitter) setState(module types.ModuleID, st PauseState) {
	s.statesMu.Lock()
	s.states[module] = st
	s.statesMu.Unlock()
}

// Submit constructs and submits pauseDeposits for one module. It
// blocks on the process-wide mutex so no two pause transactions are
// ever broadcast concurrently. A module already OnChainPending is
// skipped (returns nil immediately) by the caller checking State()
// first — Submit itself does not re-check, since by the time it has
// the mutex the caller's decision already stood.
//
// "Already paused" is treated as success (§4.6): the module's goal —
// deposits halted — is already met.
func (s *PauseSubmitter) Submit(ctx context.Context, opts *bind.TransactOpts, blockNumber uint64, module types.ModuleID, sig types.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(module, PauseSigning)

	pair := contracts.SignaturePair{R: sig.R, Vs: sig.VS}

	s.setState(module, PauseBroadcasting)
	tx, err := s.dsm.PauseDeposits(opts, blockNumber, uint32(module), pair)
	if err != nil {
		if alreadyPaused(err) {
			log.Info("pause submitter: module already paused, treating as success", "module", module)
			s.setState(module, PauseIdle)
			return nil
		}
		s.recordFailure(module)
		return fmt.Errorf("broadcast.PauseSubmitter.Submit: %w", err)
	}

	s.setState(module, PauseOnChainPending)
	success, err := s.waiter.WaitMined(ctx, tx.Hash())
	if err != nil {
		if alreadyPaused(err) {
			s.setState(module, PauseIdle)
			return nil
		}
		s.recordFailure(module)
		return fmt.Errorf("broadcast.PauseSubmitter.Submit: waiting for receipt: %w", err)
	}
	if !success {
		s.recordFailure(module)
		return fmt.Errorf("broadcast.PauseSubmitter.Submit: transaction reverted")
	}

	s.setState(module, PauseIdle)
	return nil
}

func (s *PauseSubmitter) recordFailure(module types.ModuleID) {
	s.statesMu.Lock()
	s.attempts[module]++
	s.statesMu.Unlock()
	s.setState(module, PauseFailed)
}

// Attempts reports how many failed submission attempts a module has
// accumulated; used for metrics/operator visibility.
func (s *PauseSubmitter) Attempts(module types.ModuleID) int {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	return s.attempts[module]
}

// alreadyPaused recognizes the handful of revert-reason phrasings a
// DSM deployment uses for "module already paused" — there is no typed
// revert reason over eth_call/eth_sendRawTransaction, only a string.
func alreadyPaused(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already paused") || strings.Contains(msg, "staking module is paused")
}
