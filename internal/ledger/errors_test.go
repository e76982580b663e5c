package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storeinv/backoffice/internal/platform/db"
	"github.com/storeinv/backoffice/internal/shared"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{nil, KindNone},
		{lineErr(1, ErrInvalidQuantity), KindValidation},
		{fmt.Errorf("x: %w", ErrReturnExceedsSold), KindValidation},
		{ErrIdempotencyReuse, KindValidation},
		{&StockError{Bucket: "on-hand", Requested: 6, Available: 5}, KindInsufficientStock},
		{fmt.Errorf("product 1: %w", ErrProductNotFound), KindNotFound},
		{fmt.Errorf("commit: %w", db.ErrSerialization), KindConflict},
		{shared.ErrIdempotencyConflict, KindConflict},
		{errors.New("connection reset"), KindStorage},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, Kind(tc.err), fmt.Sprint(tc.err))
	}
}

func TestMessageHidesStorageDetail(t *testing.T) {
	msg := Message(errors.New("dial tcp 10.0.0.1:5432: connection refused"))
	require.NotContains(t, msg, "10.0.0.1")

	stock := &StockError{ProductID: 4, StoreID: 2, Bucket: "on-hand", Requested: 6, Available: 5}
	require.Contains(t, Message(stock), "requested 6, available 5")
}

func TestParseMovementType(t *testing.T) {
	for raw, want := range map[string]MovementType{"sale": MovementSale, "RECEIPT": MovementReceipt, " Transfer ": MovementTransfer, "return": MovementReturn} {
		got, ok := ParseMovementType(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := ParseMovementType("refund")
	require.False(t, ok)
}
