package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

var (
	errMissingUser  = errors.New("userId or email is required")
	errUserMismatch = errors.New("user does not match the authenticated caller")
)

type TokenAPI struct {
	Store  dispatch.TokenStore
	Logger *slog.Logger
}

func NewTokenAPI(store dispatch.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger,
	}
}

// RegisterTokenRequest is the body of POST /api/v1/tokens.
// Token is usually a string; web push clients may send the PushSubscription object itself.
type RegisterTokenRequest struct {
	UserID   string            `json:"userId"`
	Email    string            `json:"email"`
	Token    json.RawMessage   `json:"token"`
	Platform dispatch.Platform `json:"platform"`
	Provider dispatch.Provider `json:"provider"`
}

type registerTokenResponse struct {
	ID string `json:"id"`
}

type listTokensResponse struct {
	Tokens []dispatch.TokenRecord `json:"tokens"`
}

// UnregisterTokenRequest is the body of POST /api/v1/tokens/unregister.
type UnregisterTokenRequest struct {
	UserID string          `json:"userId"`
	Email  string          `json:"email"`
	Token  json.RawMessage `json:"token"`
}

func (api *TokenAPI) RegisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	userID, status, err := resolveUser(r, req.UserID, req.Email)
	if err != nil {
		response.WriteJSONError(w, status, err.Error())
		return
	}

	token, err := decodeToken(req.Token)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = dispatch.ProviderExpo
	}
	if !provider.Known() {
		response.WriteJSONError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	platform := req.Platform
	if platform == "" {
		platform = dispatch.PlatformUnknown
	}
	if !platform.Known() {
		response.WriteJSONError(w, http.StatusBadRequest, "unsupported platform")
		return
	}

	if err := dispatch.ValidTokenFormat(provider, token); err != nil {
		api.Logger.Warn("RegisterToken: Validation failed", "provider", provider, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := api.Store.StoreToken(ctx, userID, token, platform, provider)
	if err != nil {
		api.Logger.Error("failed to store token", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("RegisterToken: Token registered", "user", userID, "provider", provider, "id", id)

	writeJSON(w, http.StatusCreated, registerTokenResponse{ID: id})
}

func (api *TokenAPI) ListTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	userID, status, err := resolveUser(r, q.Get("userId"), q.Get("email"))
	if err != nil {
		response.WriteJSONError(w, status, err.Error())
		return
	}

	records, err := api.Store.Tokens(ctx, userID)
	if err != nil {
		api.Logger.Error("failed to list tokens", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if records == nil {
		records = []dispatch.TokenRecord{}
	}

	writeJSON(w, http.StatusOK, listTokensResponse{Tokens: records})
}

func (api *TokenAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UnregisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	userID, status, err := resolveUser(r, req.UserID, req.Email)
	if err != nil {
		response.WriteJSONError(w, status, err.Error())
		return
	}

	token, err := decodeToken(req.Token)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	invalid := []dispatch.Invalidation{{DocID: dispatch.DocumentID(userID, token), Reason: dispatch.ReasonUnregistered}}
	if err := api.Store.MarkInvalid(ctx, invalid); err != nil {
		// Log but don't fail hard; idempotency is preferred for unregister
		api.Logger.Warn("failed to unregister token", "user", userID, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// resolveUser picks the user a request acts on: the explicit userId, else the
// lowercased email, else the authenticated caller. An explicit user that is
// neither the caller's handle nor their subject is forbidden.
func resolveUser(r *http.Request, userID, email string) (string, int, error) {
	requested := strings.TrimSpace(userID)
	if requested == "" {
		requested = strings.ToLower(strings.TrimSpace(email))
	}

	handle, hasHandle := middleware.GetUserHandleFromContext(r.Context())
	subject, hasSubject := middleware.GetUserIDFromContext(r.Context())
	hasHandle = hasHandle && handle != ""
	hasSubject = hasSubject && subject != ""
	authenticated := hasHandle || hasSubject

	switch {
	case requested == "" && hasHandle:
		return handle, 0, nil
	case requested == "" && hasSubject:
		return subject, 0, nil
	case requested == "":
		return "", http.StatusBadRequest, errMissingUser
	case authenticated && !(hasHandle && requested == handle) && !(hasSubject && requested == subject):
		return "", http.StatusForbidden, errUserMismatch
	}
	return requested, 0, nil
}

func decodeToken(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", errors.New("missing token")
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", errors.New("invalid token")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errors.New("missing token")
		}
		return s, nil
	case '{':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return "", errors.New("invalid token")
		}
		return compact.String(), nil
	}
	return "", errors.New("token must be a string or subscription object")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
