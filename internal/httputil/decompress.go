// Package httputil holds the HTTP middleware and request helpers shared by
// the scopetreed handlers.
package httputil

import (
	"compress/gzip"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// DecompressPayload wraps the request body in the right reader when the
// client compressed it, so handlers always read plain bytes.
func DecompressPayload(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		switch r.Header.Get("Content-Encoding") {
		case "br":
			r.Body = io.NopCloser(brotli.NewReader(r.Body))
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "malformed gzip body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(zr)
		}

		next.ServeHTTP(w, r)
	}
}
