package app

import (
	"errors"
	"fmt"
	"net/http"

	"paperhub/internal/errs"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch errs.Kind(err) {
	case errs.ErrNotFound:
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errs.ErrMissingArtifact:
		return http.StatusConflict, "MISSING_ARTIFACT", err.Error(), map[string]any{"hint": "rerun convert"}
	case errs.ErrToolchain:
		var toolErr *errs.ToolchainError
		if errors.As(err, &toolErr) {
			return http.StatusUnprocessableEntity, "TOOLCHAIN_FAILED", err.Error(), map[string]any{
				"tool":       toolErr.Tool,
				"diagnostic": toolErr.Diagnostic,
			}
		}
		return http.StatusUnprocessableEntity, "TOOLCHAIN_FAILED", err.Error(), nil
	case errs.ErrCache:
		return http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Cache unavailable", nil
	case errs.ErrRemoteAPI:
		return http.StatusBadGateway, "REMOTE_API_ERROR", err.Error(), nil
	case errs.ErrFilesystem:
		return http.StatusInternalServerError, "FILESYSTEM_ERROR", "Local artifact storage failed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
