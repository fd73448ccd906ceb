package i18n

import "net/http"

// Middleware negotiates the response language from Accept-Language, stores a
// localizer for it in the request context and reports it in Content-Language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := Negotiate(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Language", tag.String())
		loc := NewLocalizer(tag.String())
		next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
	})
}
