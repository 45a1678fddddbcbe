package auth

import (
	"net/http"
	"strings"

	"docsmith.io/internal/tenant"
)

// RefreshCookieName is the cookie carrying the refresh token.
const RefreshCookieName = "docsmith_refresh"

func sameSiteFromConfig(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	case "strict":
		return http.SameSiteStrictMode
	default:
		return http.SameSiteDefaultMode
	}
}

// SetRefreshCookie writes the refresh token cookie. Every attribute is
// driven by the tenant's AuthenticationConfig.
func SetRefreshCookie(w http.ResponseWriter, token string, cfg *tenant.AuthenticationConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		MaxAge:   int(cfg.RefreshTTL.Seconds()),
		HttpOnly: cfg.CookieHTTPOnly,
		Secure:   cfg.CookieSecure,
		SameSite: sameSiteFromConfig(cfg.CookieSameSite),
	})
}

// ClearRefreshCookie expires the refresh token cookie with matching
// attributes so browsers actually drop it.
func ClearRefreshCookie(w http.ResponseWriter, cfg *tenant.AuthenticationConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: cfg.CookieHTTPOnly,
		Secure:   cfg.CookieSecure,
		SameSite: sameSiteFromConfig(cfg.CookieSameSite),
	})
}
