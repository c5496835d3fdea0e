package http

import "net/http"

// PreAuthorizer is consulted for matched routes before any payment step.
// Returning true lets the request through unpaid.
type PreAuthorizer func(r *http.Request) bool

// Captcha query markers.
const (
	CaptchaQueryParam  = "captcha"
	CaptchaPassValue   = "success"
	CaptchaFailValue   = "fail"
	CaptchaCookieName  = "captcha_token"
	defaultCookieLimit = 4096
)

// QueryMarker passes requests whose query parameter param equals value exactly.
// It is a weak check: anyone who knows the marker can use it.
func QueryMarker(param, value string) PreAuthorizer {
	return func(r *http.Request) bool {
		values, ok := r.URL.Query()[param]
		if !ok {
			return false
		}
		for _, v := range values {
			if v == value {
				return true
			}
		}
		return false
	}
}

// DefaultQueryMarker is QueryMarker("captcha", "success"). The gate has no
// bypass unless Config.Bypass is set; set it to DefaultQueryMarker for the
// classic behavior where every ?captcha=success request is let through.
func DefaultQueryMarker() PreAuthorizer {
	return QueryMarker(CaptchaQueryParam, CaptchaPassValue)
}

// CaptchaCookie passes requests carrying a captcha pass issued for their path.
func CaptchaCookie(issuer *CaptchaIssuer) PreAuthorizer {
	return func(r *http.Request) bool {
		if issuer == nil {
			return false
		}
		cookie, err := r.Cookie(CaptchaCookieName)
		if err != nil || cookie.Value == "" || len(cookie.Value) > defaultCookieLimit {
			return false
		}
		return issuer.Verify(cookie.Value, r.URL.Path) == nil
	}
}

// AnyOf passes a request when any of the predicates does. Nil entries are skipped.
func AnyOf(preds ...PreAuthorizer) PreAuthorizer {
	return func(r *http.Request) bool {
		for _, p := range preds {
			if p != nil && p(r) {
				return true
			}
		}
		return false
	}
}
