package identitysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// httpProvider talks to the hosted identity provider over its REST API.
// Construction never fails: when credentials are missing every call returns
// ErrUnconfigured so operators notice misconfiguration instead of a silent
// no-op.
type httpProvider struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewProviderFromEnv builds the provider client from IDP_* env vars.
func NewProviderFromEnv() Provider {
	baseURL := strings.TrimSpace(os.Getenv("IDP_API_BASE_URL"))
	apiKey := strings.TrimSpace(os.Getenv("IDP_API_KEY"))
	apiKeyHeader := strings.TrimSpace(os.Getenv("IDP_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(600)
	if v := strings.TrimSpace(os.Getenv("IDP_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &httpProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}
}

func (p *httpProvider) configured() bool {
	return p.baseURL != "" && p.apiKey != ""
}

type externalIdentityPayload struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"display_name"`
	PhoneNumber    string         `json:"phone_number"`
	EmailVerified  bool           `json:"email_verified"`
	Disabled       bool           `json:"disabled"`
	CustomClaims   map[string]any `json:"custom_claims"`
	CreatedAt      string         `json:"created_at"`
	LastActivityAt string         `json:"last_activity_at"`
}

func (raw externalIdentityPayload) toIdentity() ExternalIdentity {
	return ExternalIdentity{
		ExternalId:     raw.ID,
		Email:          raw.Email,
		DisplayName:    raw.DisplayName,
		PhoneNumber:    raw.PhoneNumber,
		EmailVerified:  raw.EmailVerified,
		Disabled:       raw.Disabled,
		CustomClaims:   raw.CustomClaims,
		CreatedAt:      parseTimeOrZero(raw.CreatedAt),
		LastActivityAt: parseTimeOrZero(raw.LastActivityAt),
	}
}

type identityFieldsPayload struct {
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Disabled      bool   `json:"disabled"`
}

type identityListPayload struct {
	Identities    []externalIdentityPayload `json:"identities"`
	NextPageToken string                    `json:"next_page_token"`
}

func (p *httpProvider) GetIdentity(ctx context.Context, externalId string) (*ExternalIdentity, error) {
	var raw externalIdentityPayload
	if err := p.do(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(externalId), nil, &raw); err != nil {
		return nil, err
	}
	identity := raw.toIdentity()
	return &identity, nil
}

func (p *httpProvider) CreateIdentity(ctx context.Context, fields IdentityFields) (*ExternalIdentity, error) {
	var raw externalIdentityPayload
	if err := p.do(ctx, http.MethodPost, "/v1/identities", fieldsPayload(fields), &raw); err != nil {
		return nil, err
	}
	identity := raw.toIdentity()
	return &identity, nil
}

func (p *httpProvider) UpdateIdentity(ctx context.Context, externalId string, fields IdentityFields) (*ExternalIdentity, error) {
	var raw externalIdentityPayload
	if err := p.do(ctx, http.MethodPatch, "/v1/identities/"+url.PathEscape(externalId), fieldsPayload(fields), &raw); err != nil {
		return nil, err
	}
	identity := raw.toIdentity()
	return &identity, nil
}

func (p *httpProvider) DeleteIdentity(ctx context.Context, externalId string) error {
	return p.do(ctx, http.MethodDelete, "/v1/identities/"+url.PathEscape(externalId), nil, nil)
}

func (p *httpProvider) ListIdentities(ctx context.Context, pageToken string, pageSize int) ([]ExternalIdentity, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageSize))
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	var raw identityListPayload
	if err := p.do(ctx, http.MethodGet, "/v1/identities?"+params.Encode(), nil, &raw); err != nil {
		return nil, "", err
	}
	identities := make([]ExternalIdentity, 0, len(raw.Identities))
	for _, item := range raw.Identities {
		identities = append(identities, item.toIdentity())
	}
	return identities, raw.NextPageToken, nil
}

func (p *httpProvider) SetCustomClaims(ctx context.Context, externalId string, claims CustomClaims) error {
	body := map[string]any{"custom_claims": claims.Flatten()}
	return p.do(ctx, http.MethodPut, "/v1/identities/"+url.PathEscape(externalId)+"/claims", body, nil)
}

func (p *httpProvider) Healthy(ctx context.Context) bool {
	if !p.configured() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	req.Header.Set(p.apiKeyHdr, p.apiKey)
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

func (p *httpProvider) do(ctx context.Context, method string, path string, body any, out any) error {
	if !p.configured() {
		return fmt.Errorf("%w: IDP_API_BASE_URL/IDP_API_KEY not set", ErrUnconfigured)
	}
	<-p.limiter

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(p.apiKeyHdr, p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if err := statusToError(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func statusToError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrValidation, detail)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: provider returned %d: %s", ErrProviderUnavailable, status, detail)
	default:
		return fmt.Errorf("provider api error %d: %s", status, detail)
	}
}

func fieldsPayload(fields IdentityFields) identityFieldsPayload {
	return identityFieldsPayload{
		Email:         fields.Email,
		DisplayName:   fields.DisplayName,
		PhoneNumber:   fields.PhoneNumber,
		EmailVerified: fields.EmailVerified,
		Disabled:      fields.Disabled,
	}
}

func parseTimeOrZero(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
