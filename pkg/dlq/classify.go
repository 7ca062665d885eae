package dlq

import "strings"

// Category drives what happens to a failed job.
type Category string

const (
	CategoryRetryable    Category = "RETRYABLE"
	CategoryNonRetryable Category = "NON_RETRYABLE"
	CategoryUnknown      Category = "UNKNOWN"
)

// Ordered pattern sets. Matching is case-insensitive substring; the first
// set that matches wins.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"econnreset",
	"connection reset",
	"econnrefused",
	"socket hang up",
	"too many requests",
	"429",
	"502",
	"503",
	"blockhash not found",
	"blockhash expired",
	"temporarily unavailable",
	"node is behind",
}

var nonRetryablePatterns = []string{
	"invalid address",
	"invalid public key",
	"insufficient funds",
	"insufficient lamports",
	"already been processed",
	"duplicate",
	"unauthorized",
	"forbidden",
	"invalid signature",
	"400",
	"401",
	"403",
}

// Classify maps an error message onto a category. Anything neither set
// recognizes is UNKNOWN and left for manual review.
func Classify(message string) Category {
	m := strings.ToLower(message)
	for _, p := range retryablePatterns {
		if strings.Contains(m, p) {
			return CategoryRetryable
		}
	}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(m, p) {
			return CategoryNonRetryable
		}
	}
	return CategoryUnknown
}
