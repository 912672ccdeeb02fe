package receipt

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("receipt not found")
	ErrTransactionNotConfirmed  = errors.New("transaction is not confirmed")
	ErrReceiptExists            = errors.New("transaction already has a current receipt")
	ErrInvalidVerificationState = errors.New("receipt verification state does not allow this change")
)

// VerificationError means the verifier rejected the receipt or could not be
// reached. The receipt is left failed and may be reissued.
type VerificationError struct {
	ReceiptID string
	Reason    string
	Err       error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify receipt %s: %s: %v", e.ReceiptID, e.Reason, e.Err)
	}
	return fmt.Sprintf("verify receipt %s: %s", e.ReceiptID, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
