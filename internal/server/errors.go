package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
	entitlementdomain "github.com/smallbiznis/nestbill/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	trialdomain "github.com/smallbiznis/nestbill/internal/trial/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	ReasonCode string            `json:"reason_code,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", "1")
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// conflictErrors answer 409 with their own sentinel text as the type.
var conflictErrors = []error{
	subscriptiondomain.ErrInvalidTransition,
	subscriptiondomain.ErrAlreadySubscribed,
	subscriptiondomain.ErrNotCancelable,
	subscriptiondomain.ErrCoolingOffExpired,
	trialdomain.ErrTrialNotActive,
	conversiondomain.ErrConversionWindowClosed,
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	if reason, ok := paymentdomain.DeclineReason(err); ok {
		return http.StatusPaymentRequired, errorPayload{
			Type:       paymentdomain.ErrPaymentDeclined.Error(),
			Message:    "payment declined",
			ReasonCode: reason,
		}
	}

	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return http.StatusConflict, errorPayload{
				Type:    target.Error(),
				Message: strings.ReplaceAll(target.Error(), "_", " "),
			}
		}
	}

	switch {
	case errors.Is(err, subscriptiondomain.ErrConcurrentModification):
		return http.StatusConflict, errorPayload{
			Type:      subscriptiondomain.ErrConcurrentModification.Error(),
			Message:   "subscription changed concurrently, retry the request",
			Retryable: true,
		}
	case errors.Is(err, paymentdomain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, errorPayload{
			Type:    paymentdomain.ErrPaymentDeclined.Error(),
			Message: "payment declined",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    ErrPayloadTooLarge.Error(),
			Message: "payload too large",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    paymentdomain.ErrInvalidSignature.Error(),
			Message: "invalid signature",
		}
	case errors.Is(err, taxdomain.ErrUnsupportedJurisdiction):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    taxdomain.ErrUnsupportedJurisdiction.Error(),
			Message: "unsupported jurisdiction",
		}
	case errors.Is(err, paymentdomain.ErrUnsupportedEventType):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    paymentdomain.ErrUnsupportedEventType.Error(),
			Message: "unsupported event type",
		}
	case errors.Is(err, trialdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:      trialdomain.ErrRateLimited.Error(),
			Message:   "too many requests",
			Retryable: true,
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "service_unavailable",
			Message:   "service unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the access log with the mapped type and status.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidFamily),
		errors.Is(err, subscriptiondomain.ErrInvalidPlanTier),
		errors.Is(err, subscriptiondomain.ErrInvalidCadence),
		errors.Is(err, trialdomain.ErrInvalidFeatureKey),
		errors.Is(err, entitlementdomain.ErrInvalidFeatureKey),
		errors.Is(err, conversiondomain.ErrMissingPaymentMethod),
		errors.Is(err, conversiondomain.ErrMissingJurisdiction),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, invoicedomain.ErrInvalidPageToken),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode unwraps to the innermost sentinel text so wrapped
// errors still report a stable code.
func validationErrorCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "missing_payment_method":
		return "payment_method_token"
	case "missing_jurisdiction":
		return "jurisdiction"
	case "invalid_family":
		return "family_id"
	case "invalid_subscription":
		return "id"
	case "invalid_invoice_id":
		return "id"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "missing_payment_method", "missing_jurisdiction":
		return "required"
	default:
		return "invalid value"
	}
}
