package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tidwall/gjson"
)

// Error represents a non-2xx response with the HTTP status code and the
// server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// BillingError is returned for HTTP 402. Usage and limit are nil when the
// server omitted them.
type BillingError struct {
	Message      string
	CurrentUsage *float64
	Limit        *float64
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("api: billing limit reached: %s", e.Message)
}

// IsBillingLimit returns true if the error is a 402.
func IsBillingLimit(err error) bool {
	var e *BillingError
	return errors.As(err, &e)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

func hasStatus(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// Category groups failures by how the caller should react
type Category int

const (
	CategoryNone Category = iota
	CategoryBilling
	CategoryAuth
	CategoryNotFound
	CategoryTransient
	CategoryGeneric
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryBilling:
		return "billing"
	case CategoryAuth:
		return "auth"
	case CategoryNotFound:
		return "not_found"
	case CategoryTransient:
		return "transient"
	default:
		return "generic"
	}
}

// Classify sorts err into a Category
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if IsBillingLimit(err) {
		return CategoryBilling
	}
	if IsUnauthorized(err) || IsForbidden(err) {
		return CategoryAuth
	}
	if IsNotFound(err) {
		return CategoryNotFound
	}

	var e *Error
	if errors.As(err, &e) {
		if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
			return CategoryTransient
		}
		return CategoryGeneric
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	return CategoryGeneric
}

// parseErrorResponse understands FastAPI style {"detail": ...} bodies as well
// as {"error": {"code","message"}} and bare {"message"} bodies.
func parseErrorResponse(statusCode int, body []byte) error {
	var doc gjson.Result
	if gjson.ValidBytes(body) {
		doc = gjson.ParseBytes(body)
	}

	if statusCode == http.StatusPaymentRequired {
		return parseBillingError(doc, body)
	}

	apiErr := &Error{StatusCode: statusCode, Code: http.StatusText(statusCode)}
	if code := doc.Get("error.code"); code.Type == gjson.String {
		apiErr.Code = code.String()
	}
	apiErr.Message = firstString(doc, "detail", "detail.message", "error.message", "message")
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}

func parseBillingError(doc gjson.Result, body []byte) *BillingError {
	src := doc
	if detail := doc.Get("detail"); detail.IsObject() {
		src = detail
	}

	be := &BillingError{Message: firstString(src, "message")}
	if be.Message == "" {
		be.Message = firstString(doc, "detail")
	}
	if be.Message == "" {
		be.Message = string(body)
	}
	if v := src.Get("currentUsage"); v.Type == gjson.Number {
		f := v.Float()
		be.CurrentUsage = &f
	}
	if v := src.Get("limit"); v.Type == gjson.Number {
		f := v.Float()
		be.Limit = &f
	}
	return be
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := doc.Get(p); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
