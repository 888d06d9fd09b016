package acme

import (
	"errors"
	"net/url"

	legoacme "github.com/go-acme/lego/v4/acme"

	"go_acmebot/internal/retry"
)

// ACME error types (RFC 8555 section 6.7)
const (
	errTypeRateLimited    = "urn:ietf:params:acme:error:rateLimited"
	errTypeServerInternal = "urn:ietf:params:acme:error:serverInternal"
	errTypeBadNonce       = "urn:ietf:params:acme:error:badNonce"
	errTypeOrderNotReady  = "urn:ietf:params:acme:error:orderNotReady"
)

// ErrOrderInvalid is returned when the CA moved an order to invalid. The
// order cannot be resumed and must be recreated.
var ErrOrderInvalid = errors.New("acme order is invalid")

// IsRateLimited reports whether the CA rejected the request with rateLimited
func IsRateLimited(err error) bool {
	var pd *legoacme.ProblemDetails
	return errors.As(err, &pd) && pd.Type == errTypeRateLimited
}

// IsOrderInvalid reports whether err means the order must be recreated
func IsOrderInvalid(err error) bool {
	return errors.Is(err, ErrOrderInvalid)
}

// Classify maps a session error onto a retry kind. Rate limits, nonce
// errors, server faults and transport failures are retriable.
func Classify(err error) retry.Kind {
	if err == nil {
		return retry.KindOk
	}

	var pd *legoacme.ProblemDetails
	if errors.As(err, &pd) {
		switch pd.Type {
		case errTypeRateLimited, errTypeServerInternal, errTypeBadNonce, errTypeOrderNotReady:
			return retry.KindRetriable
		}
		if pd.HTTPStatus != 0 {
			return retry.ClassifyHTTPStatus(pd.HTTPStatus)
		}
		return retry.KindFatal
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return retry.KindRetriable
	}
	return retry.Classify(err)
}

// problem renders an order error from the CA
func problem(pd *legoacme.ProblemDetails) string {
	if pd == nil {
		return ""
	}
	if pd.Detail != "" {
		return pd.Type + ": " + pd.Detail
	}
	return pd.Type
}
