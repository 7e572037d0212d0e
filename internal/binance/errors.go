package binance

import (
	"encoding/json"
	"fmt"
)

// Binance error codes that indicate the referenced order no longer exists.
// Cancelling an already-gone order is treated as resolved, not failed.
const (
	codeUnknownOrderSent = -2011
	codeNoSuchOrder      = -2013
)

// APIError is a Binance application-level error (negative "code" in the
// response body).
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d: %s", e.Code, e.Message)
}

// IsOrderNotFound reports whether the error means the order does not exist
// on the exchange (benign during cancellation).
func (e *APIError) IsOrderNotFound() bool {
	return e.Code == codeUnknownOrderSent || e.Code == codeNoSuchOrder
}

// TransportError is an HTTP-layer failure: network error or status >= 300
// without a decodable application error in the body.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("binance transport error: HTTP %d: %s", e.Status, e.Body)
}

// ProtocolError is a response body that could not be decoded as the
// expected structure.
type ProtocolError struct {
	Endpoint string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("binance protocol error on %s: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// decodeError turns a non-2xx response into a typed error. Bodies carrying a
// negative application code become *APIError, everything else *TransportError.
func decodeError(status int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code < 0 {
		return &apiErr
	}
	return &TransportError{Status: status, Body: string(body)}
}
