package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaxonomyMatchesSentinels(t *testing.T) {
	wrapped := fmt.Errorf("complete requisition: %w", &InsufficientStockError{ItemID: 4, Location: "central", Requested: "5", Available: "2"})
	require.ErrorIs(t, wrapped, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.True(t, errors.As(wrapped, &stockErr))
	require.Equal(t, "2", stockErr.Available)

	require.ErrorIs(t, NewValidationError("quantity", "must be positive"), ErrValidation)
	require.ErrorIs(t, &InvalidTransitionError{Entity: "requisition", ID: 1, From: "draft", Action: "complete"}, ErrInvalidTransition)
	require.ErrorIs(t, &ReferentialIntegrityError{Entity: "item", ID: 9}, ErrReferentialIntegrity)

	cause := errors.New("lock not available")
	conflict := &ConcurrencyConflictError{Resource: "stock_positions", Err: cause}
	require.ErrorIs(t, conflict, ErrConcurrencyConflict)
	require.ErrorIs(t, conflict, cause)
}

func TestValidateStructReportsSnakeCaseField(t *testing.T) {
	type input struct {
		DepartmentID int64 `validate:"gt=0"`
	}
	err := ValidateStruct(input{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "department_id", vErr.Field)
	require.Equal(t, "must be greater than 0", vErr.Reason)
}
