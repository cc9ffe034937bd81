package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/httpx"
	"incident-ops-planning-system/shared/opx"
)

// OperationMiddleware scopes a request to one operation. The id comes from
// the /api/v1/operations/{id}/... path segment when present, otherwise from
// the X-Operation-ID header.
type OperationMiddleware struct {
	Skip func(*http.Request) bool
}

func (m OperationMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		operationID := operationIDFromPath(r.URL.Path)
		if operationID == "" {
			operationID = strings.TrimSpace(r.Header.Get("X-Operation-ID"))
		}
		if operationID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing operation id", nil)
			return
		}
		if _, err := uuid.Parse(operationID); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid operation id", nil)
			return
		}

		ctx := opx.WithOperation(r.Context(), opx.OperationContext{ID: operationID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operationIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "operations" {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}
