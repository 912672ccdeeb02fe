package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/audit"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/settlement"
)

type fakeLedger struct {
	txs     map[string]settlement.Transaction
	account settlement.Account
}

func (l *fakeLedger) GetTransaction(_ context.Context, id string) (settlement.Transaction, error) {
	tx, ok := l.txs[id]
	if !ok {
		return settlement.Transaction{}, settlement.ErrTransactionNotFound
	}
	return tx, nil
}

func (l *fakeLedger) ListConfirmed(_ context.Context) ([]settlement.Transaction, error) {
	var out []settlement.Transaction
	for _, tx := range l.txs {
		if tx.Status == settlement.TxConfirmed {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetAccount(_ context.Context, _ string) (settlement.Account, error) {
	return l.account, nil
}

type fakeVerifier struct {
	mu       sync.Mutex
	reject   string
	err      error
	calls    int
	payloads []json.RawMessage
}

func (v *fakeVerifier) Verify(_ context.Context, txHash string, payload json.RawMessage) (Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.payloads = append(v.payloads, payload)
	if v.err != nil {
		return Verification{}, v.err
	}
	if v.reject != "" {
		return Verification{Verified: false, Reason: v.reject}, nil
	}
	return Verification{Verified: true, ProofrailsID: "PR-FL-" + txHash, VerifiedAt: time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)}, nil
}

type issuerFixture struct {
	log      *audit.MemoryLog
	store    *MemoryStore
	ledger   *fakeLedger
	roster   *payroll.MemoryRoster
	verifier *fakeVerifier
	issuer   *Issuer
	tx       settlement.Transaction
}

func newIssuerFixture() *issuerFixture {
	confirmedAt := time.Date(2024, 4, 5, 9, 30, 0, 0, time.UTC)
	tx := settlement.Transaction{
		ID:                "tx-1",
		PayrollItemID:     "item-1",
		RunID:             "run-1",
		EmployeeID:        "emp-1",
		TreasuryAccountID: "acct-1",
		TransactionHash:   "0xabc",
		FromAddress:       "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		ToAddress:         "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Amount:            decimal.RequireFromString("7000"),
		Currency:          "USDC",
		Network:           "flare",
		Status:            settlement.TxConfirmed,
		ConfirmedAt:       &confirmedAt,
	}
	f := &issuerFixture{
		log: audit.NewMemoryLog(),
		ledger: &fakeLedger{
			txs:     map[string]settlement.Transaction{tx.ID: tx},
			account: settlement.Account{ID: "acct-1", Name: "TechCorp Inc."},
		},
		roster:   payroll.NewMemoryRoster(payroll.Employee{ID: "emp-1", Name: "John Doe", Status: payroll.EmployeeStatusActive}),
		verifier: &fakeVerifier{},
		tx:       tx,
	}
	f.store = NewMemoryStore(f.log)
	f.issuer = NewIssuer(f.store, f.ledger, f.roster, f.verifier, nil, time.Second)
	return f
}

func TestIssueRequiresConfirmedTransaction(t *testing.T) {
	f := newIssuerFixture()
	tx := f.tx
	tx.Status = settlement.TxSubmitted
	if _, err := f.issuer.Issue(context.Background(), tx); !errors.Is(err, ErrTransactionNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	if receipts, _ := f.store.ListForTransaction(context.Background(), tx.ID); len(receipts) != 0 {
		t.Fatalf("expected no receipt")
	}
}

func TestIssueBuildsVerifiedPacs008(t *testing.T) {
	f := newIssuerFixture()
	ctx := context.Background()

	r, err := f.issuer.IssueFor(ctx, f.tx.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if r.VerificationStatus != StatusVerified || r.ProofrailsID != "PR-FL-0xabc" || r.VerificationTimestamp == nil {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if r.DebtorName != "TechCorp Inc." || r.CreditorName != "John Doe" || r.MessageType != MessageType {
		t.Fatalf("unexpected parties: %+v", r)
	}

	var doc Document
	if err := json.Unmarshal(r.ReceiptData, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	ct := doc.Document.FIToFICstmrCdtTrf
	if ct.GrpHdr.MsgID != r.ReceiptID || ct.GrpHdr.NbOfTxs != "1" || ct.GrpHdr.SttlmInf.SttlmMtd != SettlementMethod {
		t.Fatalf("unexpected group header: %+v", ct.GrpHdr)
	}
	info := ct.CdtTrfTxInf
	if info.PmtID.EndToEndID != r.ProofrailsID || info.PmtID.TxID != "0xabc" {
		t.Fatalf("unexpected payment id: %+v", info.PmtID)
	}
	if info.IntrBkSttlmAmt.Ccy != "USDC" || info.IntrBkSttlmAmt.Value != "7000" || info.IntrBkSttlmDt != "2024-04-05" {
		t.Fatalf("unexpected amount: %+v %s", info.IntrBkSttlmAmt, info.IntrBkSttlmDt)
	}
	if info.DbtrAcct.ID.Othr.SchmeNm.Prtry != AccountScheme || info.CdtrAcct.ID.Othr.ID != f.tx.ToAddress {
		t.Fatalf("unexpected accounts")
	}
	if info.DbtrAgt.FinInstnID.Nm != "Flare Network" || info.SplmtryData.Envlp.BlockchainNetwork != "Flare" {
		t.Fatalf("unexpected agent: %+v", info.DbtrAgt)
	}
	if info.SplmtryData.Envlp.ProofrailsID != r.ProofrailsID || info.SplmtryData.Envlp.TransactionHash != "0xabc" {
		t.Fatalf("unexpected envelope: %+v", info.SplmtryData.Envlp)
	}

	document, err := f.issuer.Document(ctx, r.ID)
	if err != nil || string(document) != string(r.ReceiptData) {
		t.Fatalf("expected stored document, got %v", err)
	}
}

func TestVerifiedReceiptIsImmutable(t *testing.T) {
	f := newIssuerFixture()
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, f.tx)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.roster.Put(payroll.Employee{ID: "emp-1", Name: "John Q. Doe", Status: payroll.EmployeeStatusActive})
	second, err := f.issuer.Issue(ctx, f.tx)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if second.ID != first.ID || second.CreditorName != "John Doe" {
		t.Fatalf("expected the original verified receipt, got %+v", second)
	}
	if f.verifier.calls != 1 {
		t.Fatalf("expected a single verification, got %d", f.verifier.calls)
	}
	if _, err := f.store.MarkFailed(ctx, first.ID, "late", time.Now(), audit.Entry{}); !errors.Is(err, ErrInvalidVerificationState) {
		t.Fatalf("expected verified receipt to refuse changes, got %v", err)
	}
}

func TestRejectedReceiptIsReissued(t *testing.T) {
	f := newIssuerFixture()
	ctx := context.Background()
	f.verifier.reject = "hash not found"

	failed, err := f.issuer.Issue(ctx, f.tx)
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Reason != "hash not found" {
		t.Fatalf("expected verification error, got %v", err)
	}
	if failed.VerificationStatus != StatusFailed || failed.FailureReason != "hash not found" || failed.ProofrailsID != "" {
		t.Fatalf("unexpected failed receipt: %+v", failed)
	}

	f.verifier.reject = ""
	reissued, err := f.issuer.Issue(ctx, f.tx)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if reissued.ReceiptID == failed.ReceiptID || reissued.VerificationStatus != StatusVerified {
		t.Fatalf("expected a fresh verified receipt, got %+v", reissued)
	}
	all, _ := f.issuer.ListForTransaction(ctx, f.tx.ID)
	if len(all) != 2 || !all[0].Archived || all[1].Archived {
		t.Fatalf("expected archived failure plus current receipt, got %+v", all)
	}
	entries, _ := f.log.List(ctx, audit.Filter{EntityID: failed.ID, Action: audit.ActionArchived})
	if len(entries) != 1 || entries[0].EntityType != audit.EntityReceipt {
		t.Fatalf("expected one archived audit entry for the failed receipt, got %+v", entries)
	}
}

func TestReissueKeepsFailedReceiptWhenAuditUnavailable(t *testing.T) {
	f := newIssuerFixture()
	ctx := context.Background()
	f.verifier.reject = "hash not found"
	failed, _ := f.issuer.Issue(ctx, f.tx)

	f.verifier.reject = ""
	f.log.FailWith(audit.ErrUnavailable)
	if _, err := f.issuer.Issue(ctx, f.tx); !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected audit unavailable, got %v", err)
	}
	current, err := f.store.Current(ctx, f.tx.ID)
	if err != nil || current.ID != failed.ID || current.Archived {
		t.Fatalf("expected the failed receipt to stay current, got %+v (%v)", current, err)
	}
	if all, _ := f.issuer.ListForTransaction(ctx, f.tx.ID); len(all) != 1 {
		t.Fatalf("expected no replacement receipt, got %d", len(all))
	}

	f.log.FailWith(nil)
	reissued, err := f.issuer.Issue(ctx, f.tx)
	if err != nil || reissued.VerificationStatus != StatusVerified {
		t.Fatalf("expected reissue once the log recovers, got %+v (%v)", reissued, err)
	}
}

func TestVerifierOutageFailsReceipt(t *testing.T) {
	f := newIssuerFixture()
	f.verifier.err = context.DeadlineExceeded

	r, err := f.issuer.Issue(context.Background(), f.tx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to surface, got %v", err)
	}
	if r.VerificationStatus != StatusFailed {
		t.Fatalf("expected failed receipt, got %s", r.VerificationStatus)
	}
}

func TestSweepConfirmedIssuesMissingReceipts(t *testing.T) {
	f := newIssuerFixture()
	ctx := context.Background()
	pending := f.tx
	pending.ID = "tx-2"
	pending.Status = settlement.TxSubmitted
	f.ledger.txs[pending.ID] = pending

	issued, err := f.issuer.SweepConfirmed(ctx)
	if err != nil || issued != 1 {
		t.Fatalf("expected one receipt issued, got %d (%v)", issued, err)
	}
	issued, err = f.issuer.SweepConfirmed(ctx)
	if err != nil || issued != 0 {
		t.Fatalf("expected nothing left to issue, got %d (%v)", issued, err)
	}
	entries, _ := f.log.List(ctx, audit.Filter{EntityType: audit.EntityReceipt, Action: audit.ActionIssued})
	if len(entries) != 1 {
		t.Fatalf("expected one issued entry, got %d", len(entries))
	}
}
