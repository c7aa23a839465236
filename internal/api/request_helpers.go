package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Markmu/sector-strength-sub001/internal/api/shared"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
)

// Paging bounds for list endpoints.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// handleAPIError replies with the status and safe message for err.
func handleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

// getPathUUID parses the chi path parameter name as a UUID, replying 400
// on failure.
func getPathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.FromContext(r.Context()).Debug("invalid path parameter", "param", name, "value", raw)
		shared.RespondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter.
func queryInt(q url.Values, key string, def int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

// queryBool reads a boolean query parameter.
func queryBool(q url.Values, key string, def bool) (bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return b, nil
}

// pageParams reads limit and offset, clamping limit to MaxPageLimit.
func pageParams(q url.Values) (limit, offset int, err error) {
	if limit, err = queryInt(q, "limit", DefaultPageLimit); err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset, err = queryInt(q, "offset", 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
