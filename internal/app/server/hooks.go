package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"payrail/internal/domain/payroll"
	"payrail/internal/domain/receipt"
	"payrail/internal/domain/settlement"
)

type receiptIssuer interface {
	Issue(ctx context.Context, tx settlement.Transaction) (receipt.Receipt, error)
}

type completionRefresher interface {
	RefreshCompletion(ctx context.Context, id string) (payroll.Run, error)
}

// settledHook issues the receipt of a confirmed transfer and re-evaluates its
// run. Receipt failures stay on the receipt and are picked up by the sweep.
func settledHook(issuer receiptIssuer, runs completionRefresher) func(context.Context, settlement.Transaction) {
	return func(ctx context.Context, tx settlement.Transaction) {
		if tx.Status == settlement.TxConfirmed {
			if _, err := issuer.Issue(ctx, tx); err != nil {
				slog.Warn("receipt issue after confirmation failed", "txId", tx.ID, "err", err)
			}
		}
		if _, err := runs.RefreshCompletion(ctx, tx.RunID); err != nil {
			slog.Warn("run completion refresh failed", "runId", tx.RunID, "err", err)
		}
	}
}

type mailer interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

const alertTimeout = 15 * time.Second

// remediationAlert mails operators about failed transfers flagged for
// remediation.
func remediationAlert(m mailer, from, to string) func(context.Context, settlement.Transaction) {
	return func(ctx context.Context, tx settlement.Transaction) {
		if tx.Status != settlement.TxFailed || !tx.NeedsRemediation {
			return
		}
		subject := fmt.Sprintf("payrail: transfer %s needs remediation", tx.ID)
		body := fmt.Sprintf("Run: %s\nPayroll item: %s\nAmount: %s %s\nNetwork: %s\nHash: %s\nReservation held: %t\nReason: %s\n",
			tx.RunID, tx.PayrollItemID, tx.Amount.String(), tx.Currency, tx.Network, tx.TransactionHash,
			tx.ReservationHeld, tx.FailureReason)

		sendCtx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()
		if err := m.Send(sendCtx, from, to, subject, body); err != nil {
			slog.Warn("remediation alert failed", "txId", tx.ID, "err", err)
		}
	}
}
