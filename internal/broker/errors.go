package broker

import "errors"

// Error taxonomy for brokerage interactions. Callers branch on these with
// errors.Is; wrapped messages carry the broker's detail.
var (
	// ErrAuthFailure means credentials were refused or a token could not be
	// renewed. Fatal: the cycle aborts.
	ErrAuthFailure = errors.New("brokerage authentication failed")

	// ErrRateLimited means the brokerage returned HTTP 429. Retryable with
	// backoff.
	ErrRateLimited = errors.New("brokerage rate limit exceeded")

	// ErrTransient covers network failures and 5xx responses. Retryable.
	ErrTransient = errors.New("transient brokerage error")

	// ErrRejected is an order-level business rejection. Terminal for the
	// order, never retried.
	ErrRejected = errors.New("rejected by brokerage")

	// ErrInvalidAsset means an asset code is not a well-formed instrument
	// code. Detected before anything is sent to the brokerage.
	ErrInvalidAsset = errors.New("invalid asset code")
)

// Retryable reports whether err is worth retrying under the session's
// backoff policy. Auth failures and rejections are terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
