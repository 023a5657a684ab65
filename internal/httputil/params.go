package httputil

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequiredQueryParameters reads the named query parameters and returns them
// together with a logger carrying each as a field. If one is missing or
// blank, it writes a 400 with the reason and returns false.
func RequiredQueryParameters(w http.ResponseWriter, r *http.Request, keys ...string) (map[string]string, zerolog.Logger, bool) {
	params := make(map[string]string, len(keys))
	logger := log.With()
	for _, key := range keys {
		value := r.URL.Query().Get(key)
		if value == "" {
			http.Error(w, fmt.Sprintf("expected %s query parameter", key), http.StatusBadRequest)
			return nil, zerolog.Nop(), false
		}
		params[key] = value
		logger = logger.Str(key, value)
	}
	return params, logger.Logger(), true
}
