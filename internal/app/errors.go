package app

import (
	"errors"
	"fmt"
	"net/http"

	"sermonprep/api/internal/store"
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

// SyncError reports a synchronization in which some back-reference writes failed.
// Writes that succeeded are kept; rerunning the sync converges.
type SyncError struct {
	SeriesID string
	Failed   int
	Total    int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync series %s: %d of %d back-reference writes failed: %v", e.SeriesID, e.Failed, e.Total, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return http.StatusBadGateway, "SYNC_PARTIAL_FAILURE", "Some series members could not be updated; retry or resync",
			map[string]any{"seriesId": syncErr.SeriesID, "failed": syncErr.Failed, "total": syncErr.Total}
	}
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrSeriesNotFound):
		return http.StatusNotFound, "SERIES_NOT_FOUND", "Series not found", nil
	case errors.Is(err, store.ErrMemberNotFound):
		return http.StatusNotFound, "MEMBER_NOT_FOUND", "Series member not found", nil
	case errors.Is(err, store.ErrSermonNotFound):
		return http.StatusNotFound, "SERMON_NOT_FOUND", "Sermon not found", nil
	case errors.Is(err, store.ErrGroupNotFound):
		return http.StatusNotFound, "GROUP_NOT_FOUND", "Group not found", nil
	case errors.Is(err, store.ErrAlreadyMember):
		return http.StatusConflict, "ALREADY_MEMBER", err.Error(), nil
	case errors.Is(err, store.ErrSeriesConflict):
		return http.StatusConflict, "CONFLICT", "Series was modified concurrently, retry the request", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
