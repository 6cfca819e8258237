package provider

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ReceiptWaiter polls TransactionReceipt until one confirmation is
// seen or the context is cancelled, satisfying
// broadcast.ReceiptWaiter without the broadcast package needing to
// know about polling intervals.
type ReceiptWaiter struct {
	Provider Provider
	Interval time.Duration
}

func NewReceiptWaiter(p Provider) *ReceiptWaiter {
	return &ReceiptWaiter{Provider: p, Interval: 2 * time.Second}
}

// WaitMined blocks until txHash has a receipt, returning whether the
// transaction succeeded.
func (w *ReceiptWaiter) WaitMined(ctx context.Context, txHash common.Hash) (bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := w.Provider.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
