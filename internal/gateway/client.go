// Package gateway is the HTTP client for the legacy device-emulation
// gateway. Each tenant session authenticates against the gateway with a
// shared password and holds a JWT that scopes subsequent calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/servisia/wa-engine/pkg/env"
	"github.com/servisia/wa-engine/pkg/log"
)

// ErrSessionInvalid marks gateway responses that indicate the underlying
// WhatsApp session is gone (logged out, device removed, never paired).
var ErrSessionInvalid = errors.New("gateway: session is not valid")

var sessionInvalidPatterns = []string{
	"client not valid",
	"not logged in",
	"session not found",
	"unauthorized",
	"not connected",
	"connection closed",
	"websocket closed",
	"device removed",
	"logged out",
}

// tokenExpirySlack re-authenticates this long before the JWT actually
// expires, so an in-flight send never races the expiry.
const tokenExpirySlack = 30 * time.Second

type envelope struct {
	Status  bool            `json:"status"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type LoginResult struct {
	QR      string
	Message string
}

type Client struct {
	baseURL  string
	password string
	http     *http.Client

	mu     sync.RWMutex
	tokens map[string]string
}

func New(baseURL string, password string) *Client {
	timeout := env.GetEnvDurationOrDefault("WA_GATEWAY_TIMEOUT", 30*time.Second)
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		http:     &http.Client{Timeout: timeout},
		tokens:   make(map[string]string),
	}
}

func (c *Client) SetToken(sessionID string, token string) {
	c.mu.Lock()
	c.tokens[sessionID] = token
	c.mu.Unlock()
}

func (c *Client) Token(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[sessionID]
}

func (c *Client) RemoveToken(sessionID string) {
	c.mu.Lock()
	delete(c.tokens, sessionID)
	c.mu.Unlock()
}

// tokenUsable reports whether the cached JWT still has headroom before
// expiry. The signature is the gateway's concern; only exp is inspected.
func tokenUsable(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// Tokens without exp never go stale locally.
		return true
	}
	return time.Until(exp.Time) > tokenExpirySlack
}

// Authenticate obtains a fresh session JWT from the gateway.
func (c *Client) Authenticate(ctx context.Context, sessionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(sessionID, c.password)

	env, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("gateway authentication failed: %w", err)
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", fmt.Errorf("gateway authentication failed: %s", env.Message)
	}

	c.SetToken(sessionID, data.Token)
	return data.Token, nil
}

func (c *Client) ensureToken(ctx context.Context, sessionID string) (string, error) {
	if token := c.Token(sessionID); tokenUsable(token) {
		return token, nil
	}
	return c.Authenticate(ctx, sessionID)
}

// Login starts or resumes the WhatsApp connection for a session. When the
// device is not yet paired the result carries the QR payload to scan.
func (c *Client) Login(ctx context.Context, sessionID string) (*LoginResult, error) {
	env, err := c.postForm(ctx, sessionID, "/login", url.Values{"output": {"json"}})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	result := &LoginResult{Message: env.Message}
	if len(env.Data) > 0 {
		var data struct {
			QRCode string `json:"qrcode"`
			QR     string `json:"qr"`
		}
		if err := json.Unmarshal(env.Data, &data); err == nil {
			result.QR = data.QRCode
			if result.QR == "" {
				result.QR = data.QR
			}
		}
	}
	return result, nil
}

func (c *Client) Logout(ctx context.Context, sessionID string) error {
	_, err := c.postForm(ctx, sessionID, "/logout", url.Values{})
	c.RemoveToken(sessionID)
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// SendText sends a text message and returns the external message id from
// the gateway's nested response envelope.
func (c *Client) SendText(ctx context.Context, sessionID string, to string, message string) (string, error) {
	env, err := c.postFormWithReauth(ctx, sessionID, "/send/text", url.Values{
		"msisdn":  {to},
		"message": {message},
	})
	if err != nil {
		return "", fmt.Errorf("send text failed: %w", err)
	}
	return messageID(env), nil
}

// SendImage sends an image by reference (URL or base64 payload).
func (c *Client) SendImage(ctx context.Context, sessionID string, to string, image string, caption string) (string, error) {
	env, err := c.postFormWithReauth(ctx, sessionID, "/send/image", url.Values{
		"msisdn":  {to},
		"image":   {image},
		"caption": {caption},
	})
	if err != nil {
		return "", fmt.Errorf("send image failed: %w", err)
	}
	return messageID(env), nil
}

type RegisteredResult struct {
	Status string `json:"status"`
	JID    string `json:"jid"`
}

// CheckRegistered asks the gateway whether the phone has a WhatsApp
// account. Status "valid" means registered.
func (c *Client) CheckRegistered(ctx context.Context, sessionID string, phone string) (*RegisteredResult, error) {
	env, err := c.getWithAuth(ctx, sessionID, "/registered", url.Values{"msisdn": {phone}})
	if err != nil {
		return nil, fmt.Errorf("check registered failed: %w", err)
	}

	var result RegisteredResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return nil, fmt.Errorf("check registered failed: %w", err)
		}
	}
	return &result, nil
}

// ProfilePicture fetches the avatar URL for a key, empty when none is set.
func (c *Client) ProfilePicture(ctx context.Context, sessionID string, key string) (string, error) {
	env, err := c.getWithAuth(ctx, sessionID, "/avatar", url.Values{"msisdn": {key}})
	if err != nil {
		return "", err
	}
	var data struct {
		URL string `json:"url"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", err
		}
	}
	return data.URL, nil
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// postFormWithReauth retries exactly once after a 401/500 by forcing a
// fresh token, mirroring the session-recovery path the platform already
// relied on.
func (c *Client) postFormWithReauth(ctx context.Context, sessionID string, route string, form url.Values) (*envelope, error) {
	env, err := c.postForm(ctx, sessionID, route, form)
	if err == nil {
		return env, nil
	}

	var httpErr *statusError
	if !errors.As(err, &httpErr) || (httpErr.code != http.StatusUnauthorized && httpErr.code != http.StatusInternalServerError) {
		return nil, err
	}

	log.Session(sessionID).Warn("Gateway call failed with HTTP " +
		fmt.Sprint(httpErr.code) + ", re-authenticating and retrying")

	if _, authErr := c.Authenticate(ctx, sessionID); authErr != nil {
		return nil, err
	}
	return c.postForm(ctx, sessionID, route, form)
}

func (c *Client) postForm(ctx context.Context, sessionID string, route string, form url.Values) (*envelope, error) {
	token, err := c.ensureToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

func (c *Client) getWithAuth(ctx context.Context, sessionID string, route string, params url.Values) (*envelope, error) {
	token, err := c.ensureToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + route
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.message)
}

func (c *Client) do(req *http.Request) (*envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &statusError{code: resp.StatusCode, message: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Status {
		if isSessionInvalidMessage(env.Message) {
			return nil, fmt.Errorf("%s: %w", env.Message, ErrSessionInvalid)
		}
		return nil, &statusError{code: resp.StatusCode, message: env.Message}
	}
	return &env, nil
}

func isSessionInvalidMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range sessionInvalidPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// messageID digs the external message id out of the nested data envelope.
func messageID(env *envelope) string {
	if len(env.Data) == 0 {
		return ""
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return ""
	}
	return data.ID
}
