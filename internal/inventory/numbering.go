package inventory

import (
	"context"
	"fmt"
	"time"
)

// Document and movement number prefixes.
const (
	PrefixStockIn      = "SI"
	PrefixStockOut     = "SO"
	PrefixTransferIn   = "TI"
	PrefixTransferOut  = "TO"
	PrefixAdjustPlus   = "AP"
	PrefixAdjustMinus  = "AM"
	PrefixPurchase     = "PO"
	PrefixAdjustment   = "ADJ"
	PrefixStockCount   = "OPN"
	PrefixTransfer     = "TRF"
	PrefixStockRequest = "SREQ"
)

// NumberStyle selects the textual layout of a document family.
type NumberStyle int

const (
	// StyleSlash renders PREFIX/YYYY/MM/NNNN.
	StyleSlash NumberStyle = iota
	// StyleDash renders PREFIX-YYYYMM-NNNN.
	StyleDash
	// StyleDay renders PREFIX-YYYYMMDD-NNNN with a bucket per day.
	StyleDay
)

// StyleOf returns the layout used by prefix. Unknown prefixes use the slash layout.
func StyleOf(prefix string) NumberStyle {
	switch prefix {
	case PrefixAdjustment, PrefixStockCount, PrefixTransfer:
		return StyleDash
	case PrefixStockRequest:
		return StyleDay
	}
	return StyleSlash
}

// Bucket returns the sequence bucket the number for prefix at t is drawn from.
func Bucket(prefix string, t time.Time) string {
	if StyleOf(prefix) == StyleDay {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// FormatNumber renders a document number. Sequences beyond 9999 widen instead of wrapping.
func FormatNumber(prefix string, t time.Time, seq int64) string {
	switch StyleOf(prefix) {
	case StyleDash:
		return fmt.Sprintf("%s-%s-%04d", prefix, t.Format("200601"), seq)
	case StyleDay:
		return fmt.Sprintf("%s-%s-%04d", prefix, t.Format("20060102"), seq)
	}
	return fmt.Sprintf("%s/%s/%s/%04d", prefix, t.Format("2006"), t.Format("01"), seq)
}

// SequenceAllocator hands out the next value of a (prefix, bucket) counter inside the
// caller's transaction.
type SequenceAllocator interface {
	NextSequence(ctx context.Context, prefix, bucket string) (int64, error)
}

// NextNumber allocates and formats the next number for prefix at t.
func NextNumber(ctx context.Context, alloc SequenceAllocator, prefix string, t time.Time) (string, error) {
	seq, err := alloc.NextSequence(ctx, prefix, Bucket(prefix, t))
	if err != nil {
		return "", fmt.Errorf("inventory: allocate %s number: %w", prefix, err)
	}
	return FormatNumber(prefix, t, seq), nil
}
