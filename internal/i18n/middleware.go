package i18n

import "net/http"

// Middleware injects a localizer into every request context. The lang query
// parameter wins over Accept-Language, which wins over defaultLang.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	fallback := NewLocalizer(defaultLang)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			q := r.URL.Query().Get("lang")
			accept := r.Header.Get("Accept-Language")
			if q != "" || accept != "" {
				loc = NewLocalizer(q, accept, defaultLang)
			}
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}
