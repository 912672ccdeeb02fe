package server

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/settlement"
)

type capturedMail struct {
	to, subject, body string
}

type fakeMailer struct {
	sent []capturedMail
}

func (f *fakeMailer) Send(_ context.Context, _, to, subject, body string) error {
	f.sent = append(f.sent, capturedMail{to: to, subject: subject, body: body})
	return nil
}

func TestRemediationAlertOnlyForTransfersNeedingAction(t *testing.T) {
	m := &fakeMailer{}
	hook := remediationAlert(m, "payrail@example.com", "ops@example.com")
	ctx := context.Background()

	hook(ctx, settlement.Transaction{ID: "tx-ok", Status: settlement.TxConfirmed})
	hook(ctx, settlement.Transaction{ID: "tx-released", Status: settlement.TxFailed})
	hook(ctx, settlement.Transaction{
		ID:               "tx-stuck",
		RunID:            "run-1",
		Status:           settlement.TxFailed,
		NeedsRemediation: true,
		ReservationHeld:  true,
		Amount:           decimal.NewFromInt(7000),
		Currency:         "USDC",
		FailureReason:    "confirmation not observed within timeout",
	})

	if len(m.sent) != 1 {
		t.Fatalf("expected one alert, got %d", len(m.sent))
	}
	if m.sent[0].to != "ops@example.com" || !strings.Contains(m.sent[0].subject, "tx-stuck") {
		t.Fatalf("unexpected alert: %+v", m.sent[0])
	}
	if !strings.Contains(m.sent[0].body, "Reservation held: true") || !strings.Contains(m.sent[0].body, "7000 USDC") {
		t.Fatalf("unexpected alert body: %s", m.sent[0].body)
	}
}
