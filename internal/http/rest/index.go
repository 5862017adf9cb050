package rest

import (
	_ "embed"
	"net/http"
)

//go:embed index.html
var indexHTML []byte

// HandleIndex serves the single-page front end. The page is compiled into
// the binary; there is nothing else to deploy.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML) //nolint:errcheck
}
