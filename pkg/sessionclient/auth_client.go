package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// User is the read-only projection fetched after a token is accepted.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Plan          string `json:"plan"`
	EmailVerified bool   `json:"emailVerified"`
}

// TokenGrant is the server response to login and refresh.
type TokenGrant struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	User        *User  `json:"user,omitempty"`
}

// Lifetime converts ExpiresIn seconds into a duration.
func (grant TokenGrant) Lifetime() time.Duration {
	return time.Duration(grant.ExpiresIn) * time.Second
}

// Credentials select a login method: email and password, or a Google ID token.
type Credentials struct {
	Email         string
	Password      string
	GoogleIDToken string
	Nonce         string
}

// AuthClient is the server capability the session core depends on.
type AuthClient interface {
	Login(ctx context.Context, credentials Credentials) (TokenGrant, error)
	// Refresh exchanges the HttpOnly refresh cookie for a new access token.
	Refresh(ctx context.Context) (TokenGrant, error)
	// Logout asks the server to revoke the refresh credential.
	Logout(ctx context.Context) error
	FetchUser(ctx context.Context, accessToken string) (User, error)
}

// Endpoints lists the server paths used by HTTPAuthClient.
type Endpoints struct {
	Register string
	Login    string
	Google   string
	Refresh  string
	Logout   string
	Me       string
}

// DefaultEndpoints matches the routes mounted by the ProteinLens auth server.
var DefaultEndpoints = Endpoints{
	Register: "/auth/register",
	Login:    "/auth/login",
	Google:   "/auth/google",
	Refresh:  "/auth/refresh",
	Logout:   "/auth/logout",
	Me:       "/api/me",
}

// HTTPAuthClientConfig configures HTTPAuthClient.
type HTTPAuthClientConfig struct {
	BaseURL   string
	Endpoints Endpoints
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// HTTPAuthClient talks to the auth server; its cookie jar keeps the refresh cookie.
type HTTPAuthClient struct {
	baseURL    *url.URL
	endpoints  Endpoints
	httpClient *http.Client
}

// NewHTTPAuthClient validates the base URL and prepares a cookie jar.
func NewHTTPAuthClient(configuration HTTPAuthClientConfig) (*HTTPAuthClient, error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(configuration.BaseURL))
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("session.auth_client.new: %w: invalid base url %q", ErrInvalidConfig, configuration.BaseURL)
	}
	jar, jarErr := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if jarErr != nil {
		return nil, fmt.Errorf("session.auth_client.new: %w", jarErr)
	}
	endpoints := configuration.Endpoints
	if endpoints == (Endpoints{}) {
		endpoints = DefaultEndpoints
	}
	transport := configuration.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPAuthClient{
		baseURL:   parsed,
		endpoints: endpoints,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
		},
	}, nil
}

// BaseURL returns the server root all endpoints are resolved against.
func (client *HTTPAuthClient) BaseURL() *url.URL {
	clone := *client.baseURL
	return &clone
}

// Login posts credentials and returns the access token grant.
func (client *HTTPAuthClient) Login(ctx context.Context, credentials Credentials) (TokenGrant, error) {
	path := client.endpoints.Login
	var payload any = map[string]string{
		"email":    credentials.Email,
		"password": credentials.Password,
	}
	if credentials.GoogleIDToken != "" {
		path = client.endpoints.Google
		payload = map[string]string{
			"google_id_token": credentials.GoogleIDToken,
			"nonce":           credentials.Nonce,
		}
	}
	response, err := client.postJSON(ctx, path, payload)
	if err != nil {
		return TokenGrant{}, networkError("login", err)
	}
	defer drainAndClose(response)
	if response.StatusCode != http.StatusOK {
		return TokenGrant{}, &APIError{Operation: "login", StatusCode: response.StatusCode, Code: readErrorCode(response)}
	}
	var grant TokenGrant
	if decodeErr := json.NewDecoder(response.Body).Decode(&grant); decodeErr != nil || grant.AccessToken == "" {
		return TokenGrant{}, &APIError{Operation: "login", StatusCode: response.StatusCode, Code: codeMalformedResponse}
	}
	return grant, nil
}

// Register creates an email and password account. It does not start a
// session; call Login afterwards.
func (client *HTTPAuthClient) Register(ctx context.Context, email string, password string) (User, error) {
	response, err := client.postJSON(ctx, client.endpoints.Register, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return User{}, networkError("register", err)
	}
	defer drainAndClose(response)
	if response.StatusCode != http.StatusCreated {
		return User{}, &APIError{Operation: "register", StatusCode: response.StatusCode, Code: readErrorCode(response)}
	}
	var user User
	if decodeErr := json.NewDecoder(response.Body).Decode(&user); decodeErr != nil || user.ID == "" {
		return User{}, &APIError{Operation: "register", StatusCode: response.StatusCode, Code: codeMalformedResponse}
	}
	return user, nil
}

// Refresh posts to the refresh endpoint; the jar attaches the refresh cookie.
func (client *HTTPAuthClient) Refresh(ctx context.Context) (TokenGrant, error) {
	response, err := client.postJSON(ctx, client.endpoints.Refresh, nil)
	if err != nil {
		return TokenGrant{}, &RefreshError{Code: codeNetwork, Err: networkError("refresh", err)}
	}
	defer drainAndClose(response)
	if response.StatusCode != http.StatusOK {
		return TokenGrant{}, &RefreshError{StatusCode: response.StatusCode, Code: readErrorCode(response)}
	}
	var grant TokenGrant
	if decodeErr := json.NewDecoder(response.Body).Decode(&grant); decodeErr != nil || grant.AccessToken == "" || grant.ExpiresIn <= 0 {
		return TokenGrant{}, &RefreshError{StatusCode: response.StatusCode, Code: codeMalformedResponse}
	}
	return grant, nil
}

// Logout notifies the server; callers treat failures as advisory.
func (client *HTTPAuthClient) Logout(ctx context.Context) error {
	response, err := client.postJSON(ctx, client.endpoints.Logout, nil)
	if err != nil {
		return networkError("logout", err)
	}
	defer drainAndClose(response)
	if response.StatusCode >= http.StatusBadRequest {
		return &APIError{Operation: "logout", StatusCode: response.StatusCode, Code: readErrorCode(response)}
	}
	return nil
}

// FetchUser loads the user projection with the given access token.
func (client *HTTPAuthClient) FetchUser(ctx context.Context, accessToken string) (User, error) {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, client.resolve(client.endpoints.Me), nil)
	if buildErr != nil {
		return User{}, fmt.Errorf("session.fetch_user: %w", buildErr)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return User{}, networkError("fetch_user", err)
	}
	defer drainAndClose(response)
	if response.StatusCode != http.StatusOK {
		return User{}, &APIError{Operation: "fetch_user", StatusCode: response.StatusCode, Code: readErrorCode(response)}
	}
	var user User
	if decodeErr := json.NewDecoder(response.Body).Decode(&user); decodeErr != nil || user.ID == "" {
		return User{}, &APIError{Operation: "fetch_user", StatusCode: response.StatusCode, Code: codeMalformedResponse}
	}
	return user, nil
}

func (client *HTTPAuthClient) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return nil, encodeErr
		}
		body = bytes.NewReader(encoded)
	}
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, client.resolve(path), body)
	if buildErr != nil {
		return nil, buildErr
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	return client.httpClient.Do(request)
}

func (client *HTTPAuthClient) resolve(path string) string {
	return client.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

func readErrorCode(response *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&payload); err != nil || payload.Error == "" {
		return http.StatusText(response.StatusCode)
	}
	return payload.Error
}

func drainAndClose(response *http.Response) {
	if response == nil || response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	_ = response.Body.Close()
}
