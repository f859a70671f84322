package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/labstack/echo/v4"
)

const paramsKey = "twilioParams"

// validateTwilioSignature verifies Twilio request signatures.
func validateTwilioSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(authToken, fullURL, params)))
}

// TwilioAuth validates Twilio webhook requests using the signature header.
// requestURL returns the public URL Twilio used to reach the request, which
// is what the signature covers. Validated form fields are available through
// TwilioParams.
func TwilioAuth(getAuthToken func() string, requestURL func(c echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}

			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			if !validateTwilioSignature(authToken, signature, requestURL(c), params) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(paramsKey, params)
			return next(c)
		}
	}
}

// TwilioParams returns the form fields of a request accepted by TwilioAuth.
func TwilioParams(c echo.Context) (map[string]string, bool) {
	params, ok := c.Get(paramsKey).(map[string]string)
	return params, ok
}

// Sign computes the X-Twilio-Signature value for a request.
func Sign(authToken, fullURL string, params map[string]string) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
