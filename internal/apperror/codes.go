package apperror

import "net/http"

type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeNotFound             Code = "NOT_FOUND"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeKeyExchangeFailed    Code = "KEY_EXCHANGE_FAILED"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL"
)

// HTTPStatus maps a code to the status used by the REST endpoints.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransportUnavailable:
		return http.StatusServiceUnavailable
	case CodeKeyExchangeFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
