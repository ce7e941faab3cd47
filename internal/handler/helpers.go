package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/middleware"
	"github.com/punypage/punypage/internal/model"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps domain errors to status codes. Anything unexpected
// is logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		notFound     *model.NotFoundError
		invalid      *model.ValidationError
		conflict     *model.ConflictError
		unauthorized *model.UnauthorizedError
		unavailable  *model.UnavailableError
		limited      *model.RateLimitedError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "E_NOT_FOUND", notFound.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "E_VALIDATION", invalid.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "E_CONFLICT", conflict.Error())
	case errors.As(err, &unauthorized):
		writeError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", unauthorized.Reason)
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, "E_UNAVAILABLE", unavailable.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "E_RATE_LIMITED", "too many requests")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "E_INTERNAL", "internal server error")
	}
}

// decodeBody reads a JSON body into dst and runs its validate tags.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &model.ValidationError{Message: "invalid JSON body"}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &model.ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return &model.ValidationError{Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "startswith":
		return "must start with " + fe.Param()
	case "uuid":
		return "must be a UUID"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// currentUser returns the authenticated user. Routes using it sit behind the
// auth middleware, so a missing user is a wiring bug answered with 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*model.AuthUser, bool) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "missing token")
		return nil, false
	}
	return user, true
}
