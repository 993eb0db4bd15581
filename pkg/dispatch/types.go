// Package dispatch contains the public contracts and domain models shared by
// the token stores, the provider senders and the notification pipeline.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Provider is the push delivery network a token belongs to.
type Provider string

const (
	ProviderExpo    Provider = "expo"
	ProviderFCM     Provider = "fcm"
	ProviderAPNS    Provider = "apns"
	ProviderWebPush Provider = "webpush"
)

// Known reports whether p is a provider this service knows how to validate.
func (p Provider) Known() bool {
	switch p {
	case ProviderExpo, ProviderFCM, ProviderAPNS, ProviderWebPush:
		return true
	}
	return false
}

// Platform is informational: the kind of device an install runs on.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// Known reports whether p is one of the recognised platforms.
func (p Platform) Known() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb, PlatformUnknown:
		return true
	}
	return false
}

var (
	ErrUnknownProvider = errors.New("unknown push provider")
	ErrMalformedToken  = errors.New("token does not match provider format")
)

// Invalidation reasons recorded as TokenRecord.LastError.
const (
	ReasonDeviceNotRegistered = "DeviceNotRegistered"
	ReasonUnregistered        = "Unregistered"
)

// TokenRecord is the stored form of one (user, device token) pair.
type TokenRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Token      string    `json:"token"`
	Platform   Platform  `json:"platform"`
	Provider   Provider  `json:"provider"`
	Valid      bool      `json:"valid"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// NewTokenRecord builds the full document written on registration.
// Every timestamp is refreshed and the record is (re-)validated.
func NewTokenRecord(userID, token string, platform Platform, provider Provider, now time.Time) TokenRecord {
	if provider == "" {
		provider = ProviderExpo
	}
	if platform == "" {
		platform = PlatformUnknown
	}
	return TokenRecord{
		ID:         DocumentID(userID, token),
		UserID:     userID,
		Token:      token,
		Platform:   platform,
		Provider:   provider,
		Valid:      true,
		CreatedAt:  now,
		LastSeenAt: now,
		UpdatedAt:  now,
	}
}

// Recipient is one resolved delivery target.
type Recipient struct {
	UserID   string
	Token    string
	DocID    string
	Provider Provider
	Platform Platform
}

// RecipientFromRecord converts a stored record, defaulting the provider to Expo.
func RecipientFromRecord(rec TokenRecord) Recipient {
	provider := rec.Provider
	if provider == "" {
		provider = ProviderExpo
	}
	docID := rec.ID
	if docID == "" {
		docID = DocumentID(rec.UserID, rec.Token)
	}
	return Recipient{
		UserID:   rec.UserID,
		Token:    rec.Token,
		DocID:    docID,
		Provider: provider,
		Platform: rec.Platform,
	}
}

// Payload is what every recipient of one event receives.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Invalidation asks the store to retire one record.
type Invalidation struct {
	DocID  string
	Reason string
}

// Result is the outcome of one provider dispatch.
// Sent + Failed + len(Invalid) always equals Attempted.
type Result struct {
	Provider  Provider
	Attempted int
	Skipped   int
	Sent      int
	Failed    int
	Requests  int
	Invalid   []Invalidation
}

// Merge folds another chunk's outcome into r.
func (r *Result) Merge(o Result) {
	r.Attempted += o.Attempted
	r.Skipped += o.Skipped
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Requests += o.Requests
	r.Invalid = append(r.Invalid, o.Invalid...)
}

// MessageEvent is the "new chat message" document that triggers a fan-out.
type MessageEvent struct {
	ID                string   `json:"id"`
	ConversationID    string   `json:"conversationId"`
	SenderID          string   `json:"senderId"`
	Participants      []string `json:"participants"`
	ListingID         string   `json:"listingId"`
	ListingTitle      string   `json:"listingTitle"`
	SenderDisplayName string   `json:"senderDisplayName"`
	Text              string   `json:"text"`
}

// ShortHash is the first 16 hex characters of the token's SHA-256.
func ShortHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// DocumentID derives the record ID for a (user, token) pair: {userID}:{shortHash(token)}.
func DocumentID(userID, token string) string {
	return userID + ":" + ShortHash(token)
}

// UserIDFromDocID recovers the user ID from a DocumentID.
func UserIDFromDocID(docID string) (string, bool) {
	i := strings.LastIndex(docID, ":")
	if i <= 0 {
		return "", false
	}
	return docID[:i], true
}
