package soe

import "strings"

// ErrorKind is the taxonomy an adapter error is classified into
// (spec §7). Classification is by ordered substring match, first
// match wins, and the ordering itself is the behavior: rate-limit
// before nonce before balance before invalid before network before
// exchange, so a message matching more than one rule (e.g. "exchange
// rejected: insufficient balance") is still classified as the
// earliest, most specific rule.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrRateLimited
	ErrNonceConflict
	ErrInsufficientBalance
	ErrInvalidOrder
	ErrNetwork
	ErrExchange
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRateLimited:
		return "rate_limited"
	case ErrNonceConflict:
		return "nonce_conflict"
	case ErrInsufficientBalance:
		return "insufficient_balance"
	case ErrInvalidOrder:
		return "invalid_order"
	case ErrNetwork:
		return "network"
	case ErrExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// Fatal reports whether this kind should surface immediately rather
// than retry within the submission's resubmit budget.
func (k ErrorKind) Fatal() bool {
	return k == ErrInsufficientBalance || k == ErrInvalidOrder
}

type classificationRule struct {
	kind     ErrorKind
	triggers []string
}

// classificationRules is deliberately a slice, not a map: iteration
// order is the precedence order and must never be randomized.
var classificationRules = []classificationRule{
	{ErrRateLimited, []string{"429", "rate limit", "too many"}},
	{ErrNonceConflict, []string{"nonce", "timestamp", "recvwindow", "request timestamp", "invalid signature", "time in force"}},
	{ErrInsufficientBalance, []string{"insufficient", "balance", "margin"}},
	{ErrInvalidOrder, []string{"invalid", "rejected", "post only"}},
	{ErrNetwork, []string{"network", "timeout", "connection"}},
	{ErrExchange, []string{"exchange", "server", "unavailable"}},
}

// Classify maps a raw adapter error message to an ErrorKind using the
// ordered rule list above.
func Classify(errMsg string) ErrorKind {
	lower := strings.ToLower(errMsg)
	for _, rule := range classificationRules {
		for _, trigger := range rule.triggers {
			if strings.Contains(lower, trigger) {
				return rule.kind
			}
		}
	}
	return ErrUnknown
}
