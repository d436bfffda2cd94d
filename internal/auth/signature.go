package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Webhook header names. These are part of the public contract with storefront
// platforms and must stay stable.
const (
	HeaderSite      = "X-Shopsift-Site"
	HeaderTimestamp = "X-Shopsift-Timestamp"
	HeaderNonce     = "X-Shopsift-Nonce"
	HeaderSignature = "X-Shopsift-Signature"
)

// Error carries the HTTP status and machine-readable code for a rejected
// request.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// SiteCredentials is the signing material for one registered site.
type SiteCredentials struct {
	SiteID string
	Secret string
	Active bool
}

// SiteStore resolves a site's shared secret. A nil result with a nil error
// means the site is unknown.
type SiteStore interface {
	GetCredentials(ctx context.Context, siteID string) (*SiteCredentials, error)
}

// NonceStore records nonces for the replay window. Remember is atomic
// check-and-set: it returns false when the nonce was already seen inside the
// window.
type NonceStore interface {
	Remember(ctx context.Context, nonce string) (bool, error)
}

type Validator struct {
	sites  SiteStore
	nonces NonceStore
	skew   time.Duration
	now    func() time.Time
}

func NewValidator(sites SiteStore, nonces NonceStore, skew time.Duration) *Validator {
	return &Validator{
		sites:  sites,
		nonces: nonces,
		skew:   skew,
		now:    time.Now,
	}
}

// Validate authenticates one inbound webhook call. path must include the query
// string as sent by the caller. On success the resolved site credentials are
// returned; the nonce is recorded only after every other check passes, so a
// failed attempt does not consume it.
func (v *Validator) Validate(ctx context.Context, method, path string, headers http.Header, body []byte) (*SiteCredentials, *Error) {
	siteID := headers.Get(HeaderSite)
	timestamp := headers.Get(HeaderTimestamp)
	nonce := headers.Get(HeaderNonce)
	signature := headers.Get(HeaderSignature)

	if siteID == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, &Error{Status: http.StatusBadRequest, Code: "MISSING_REQUIRED_FIELD", Message: "missing required signature headers"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, &Error{Status: http.StatusForbidden, Code: "INVALID_TIMESTAMP", Message: "timestamp is not a unix epoch"}
	}
	delta := v.now().Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.skew {
		return nil, &Error{Status: http.StatusForbidden, Code: "INVALID_TIMESTAMP", Message: "timestamp outside allowed window"}
	}

	creds, err := v.sites.GetCredentials(ctx, siteID)
	if err != nil {
		slog.ErrorContext(ctx, "site lookup failed", "site_id", siteID, "error", err)
		return nil, &Error{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "site lookup failed"}
	}
	// Unknown and disabled sites collapse to the same response as a bad
	// signature, so callers cannot enumerate which sites exist.
	if creds == nil {
		slog.WarnContext(ctx, "webhook for unknown site", "site_id", siteID)
		return nil, forbidden()
	}
	if !creds.Active {
		slog.WarnContext(ctx, "webhook for disabled site", "site_id", siteID)
		return nil, forbidden()
	}

	expected := Sign(method, path, timestamp, nonce, body, creds.Secret)
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, forbidden()
	}
	// hmac.Equal is constant-time and treats length mismatch as a non-match.
	if !hmac.Equal(provided, expected) {
		return nil, forbidden()
	}

	fresh, err := v.nonces.Remember(ctx, siteID+":"+nonce)
	if err != nil {
		slog.ErrorContext(ctx, "nonce store failed", "site_id", siteID, "error", err)
		return nil, &Error{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "nonce store failed"}
	}
	if !fresh {
		return nil, &Error{Status: http.StatusForbidden, Code: "NONCE_REUSED", Message: "nonce already seen"}
	}

	return creds, nil
}

// Sign computes the raw HMAC-SHA256 over the canonical signing string:
// METHOD, PATH (with query), TIMESTAMP, NONCE and the hex sha256 of the body,
// newline-joined.
func Sign(method, path, timestamp, nonce string, body []byte, secret string) []byte {
	bodySum := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodySum[:])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

// SignBase64 is the encoded form callers put in the signature header.
func SignBase64(method, path, timestamp, nonce string, body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(Sign(method, path, timestamp, nonce, body, secret))
}

func forbidden() *Error {
	return &Error{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "signature verification failed"}
}
