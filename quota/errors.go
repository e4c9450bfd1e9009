package quota

import (
	"errors"
	"fmt"
)

// ErrQuotaImpossible marks a request that can never be admitted by waiting:
// its prompt alone exceeds the per-minute token ceiling. Callers must shrink
// the request instead of retrying.
var ErrQuotaImpossible = errors.New("quota impossible")

// ImpossibleError carries the details of an ErrQuotaImpossible rejection.
type ImpossibleError struct {
	Model        string
	PromptTokens int
	TPM          int
}

func (e *ImpossibleError) Error() string {
	return fmt.Sprintf("prompt tokens (%d) exceed TPM limit (%d) for model %s", e.PromptTokens, e.TPM, e.Model)
}

func (e *ImpossibleError) Unwrap() error { return ErrQuotaImpossible }
