package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

// LocaleKey holds the negotiated language.Tag.
var LocaleKey = localeContextKey{}

// Supported lists the locales user-facing messages are formatted for. The
// first entry is the fallback.
var Supported = []language.Tag{language.English, language.Indonesian}

// Locale negotiates the response language from X-Locale, then
// Accept-Language, and stores it in the request context.
func Locale(supported ...language.Tag) func(http.Handler) http.Handler {
	if len(supported) == 0 {
		supported = Supported
	}
	matcher := language.NewMatcher(supported)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := detectLocale(r, matcher, supported)
			w.Header().Set("Content-Language", tag.String())
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), LocaleKey, tag)))
		})
	}
}

func detectLocale(r *http.Request, matcher language.Matcher, supported []language.Tag) language.Tag {
	var prefs []language.Tag
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		if tag, err := language.Parse(v); err == nil {
			prefs = append(prefs, tag)
		}
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil {
			prefs = append(prefs, tags...)
		}
	}
	if len(prefs) == 0 {
		return supported[0]
	}
	_, idx, conf := matcher.Match(prefs...)
	if conf == language.No {
		return supported[0]
	}
	return supported[idx]
}

// LocaleFromContext returns the negotiated locale or English.
func LocaleFromContext(ctx context.Context) language.Tag {
	if v, ok := ctx.Value(LocaleKey).(language.Tag); ok {
		return v
	}
	return language.English
}
