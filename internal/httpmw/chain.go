package httpmw

import (
	"net/http"
)

// Chain wraps h in mws with the first entry outermost and the last
// innermost. Nil entries are skipped, so optional middleware (metrics,
// flood guard) can be listed unconditionally and disabled by leaving
// it nil.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}
