package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	headerUserID = "X-User-Id"
	headerAPIKey = "X-API-Key"

	envAPIKeys = "PINGUP_API_KEYS"
	envAPIKey  = "PINGUP_API_KEY"
)

var (
	errUserRequired   = errors.New("user identity required")
	errAPIKeyRequired = errors.New("api key required")
	errInvalidAPIKey  = errors.New("invalid api key")
)

type apiKeyEntry struct {
	Key string `json:"key"`
}

// HeaderAuthProvider trusts the user id set by the upstream identity layer
// and checks API keys for service-to-service routes.
type HeaderAuthProvider struct {
	keys map[string]struct{}
}

// NewHeaderAuthProvider loads API keys from PINGUP_API_KEYS / PINGUP_API_KEY.
// With no keys configured, service routes are open.
func NewHeaderAuthProvider() (*HeaderAuthProvider, error) {
	keys, err := loadAPIKeys()
	if err != nil {
		return nil, err
	}
	return &HeaderAuthProvider{keys: keys}, nil
}

// NewHeaderAuthProviderWithKeys is used when keys come from somewhere other than env.
func NewHeaderAuthProviderWithKeys(keys ...string) *HeaderAuthProvider {
	set := map[string]struct{}{}
	for _, k := range keys {
		if k = normalizeAPIKey(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return &HeaderAuthProvider{keys: set}
}

func (h *HeaderAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := apiKeyFromRequest(r)
	if key != "" && len(h.keys) > 0 {
		if _, ok := h.keys[key]; !ok {
			return nil, errInvalidAPIKey
		}
	}
	return &AuthContext{APIKey: key, UserID: headerValue(r, headerUserID)}, nil
}

func (h *HeaderAuthProvider) RequireUser(r *http.Request) (string, error) {
	if auth := authFromRequest(r); auth != nil && auth.UserID != "" {
		return auth.UserID, nil
	}
	if id := headerValue(r, headerUserID); id != "" {
		return id, nil
	}
	return "", errUserRequired
}

func (h *HeaderAuthProvider) RequireService(r *http.Request) error {
	if h == nil || len(h.keys) == 0 {
		return nil
	}
	auth := authFromRequest(r)
	if auth == nil {
		var err error
		if auth, err = h.AuthenticateHTTP(r); err != nil {
			return err
		}
	}
	if !auth.Service() {
		return errAPIKeyRequired
	}
	return nil
}

func loadAPIKeys() (map[string]struct{}, error) {
	keys := map[string]struct{}{}
	if raw := strings.TrimSpace(os.Getenv(envAPIKeys)); raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if k := normalizeAPIKey(entry.Key); k != "" {
				keys[k] = struct{}{}
			}
		}
	}
	if single := normalizeAPIKey(os.Getenv(envAPIKey)); single != "" {
		keys[single] = struct{}{}
	}
	return keys, nil
}

// parseAPIKeys accepts a JSON list, a {"keys":[...]} object or a comma list
// of key or name:key entries.
func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		return entries, nil
	}
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			Keys []apiKeyEntry `json:"keys"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		return wrapped.Keys, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{Key: part}
		if i := strings.LastIndex(part, ":"); i >= 0 {
			entry.Key = strings.TrimSpace(part[i+1:])
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func apiKeyFromRequest(r *http.Request) string {
	key := normalizeAPIKey(r.Header.Get(headerAPIKey))
	if key == "" {
		if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			key = normalizeAPIKey(v[7:])
		}
	}
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return key
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Quoted .env values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
