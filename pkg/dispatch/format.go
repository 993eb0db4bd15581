package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[^\]]+\]$`)

// WebSubscription is the browser PushSubscription a webpush token encodes.
type WebSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ParseWebSubscription decodes and checks a webpush token.
func ParseWebSubscription(token string) (WebSubscription, error) {
	var sub WebSubscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return sub, fmt.Errorf("%w: not a subscription object", ErrMalformedToken)
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return sub, fmt.Errorf("%w: endpoint must be an https url", ErrMalformedToken)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return sub, fmt.Errorf("%w: missing subscription keys", ErrMalformedToken)
	}
	return sub, nil
}

// IsExpoToken reports whether token has the Expo push token shape.
func IsExpoToken(token string) bool {
	return expoTokenPattern.MatchString(token)
}

// ValidTokenFormat checks a token against the shape its provider requires.
func ValidTokenFormat(provider Provider, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	switch provider {
	case ProviderExpo:
		if !IsExpoToken(token) {
			return fmt.Errorf("%w: expected ExponentPushToken[...]", ErrMalformedToken)
		}
	case ProviderFCM:
		if len(token) < 32 || strings.ContainsAny(token, " \t\r\n") || IsExpoToken(token) {
			return fmt.Errorf("%w: not an FCM registration token", ErrMalformedToken)
		}
	case ProviderAPNS:
		if len(token) < 64 || len(token)%2 != 0 {
			return fmt.Errorf("%w: expected a hex device token", ErrMalformedToken)
		}
		if _, err := hex.DecodeString(token); err != nil {
			return fmt.Errorf("%w: expected a hex device token", ErrMalformedToken)
		}
	case ProviderWebPush:
		if _, err := ParseWebSubscription(token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return nil
}

// FilterWellFormed splits recipients into those whose token passes the
// provider check and a count of the rest.
func FilterWellFormed(provider Provider, recipients []Recipient) ([]Recipient, int) {
	kept := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if ValidTokenFormat(provider, r.Token) != nil {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(recipients) - len(kept)
}
