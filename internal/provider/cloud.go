package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.mau.fi/whatsmeow/types"

	"github.com/servisia/wa-engine/pkg/log"
)

const (
	defaultCloudVersion = "v18.0"
	cloudBaseURL        = "https://graph.facebook.com"
	cloudRetryLimit     = 3
	cloudTimeout        = 10 * time.Second

	// perTenantConcurrency caps simultaneous cloud API calls per tenant.
	perTenantConcurrency = 10
)

var (
	cloudHTTP = &http.Client{Timeout: cloudTimeout}

	tenantLimitersMu sync.Mutex
	tenantLimiters   = make(map[int64]*semaphore.Weighted)
)

func tenantLimiter(tenantID int64) *semaphore.Weighted {
	tenantLimitersMu.Lock()
	defer tenantLimitersMu.Unlock()
	limiter, ok := tenantLimiters[tenantID]
	if !ok {
		limiter = semaphore.NewWeighted(perTenantConcurrency)
		tenantLimiters[tenantID] = limiter
	}
	return limiter
}

// cloudDriver talks to the hosted cloud API. Destinations are bare digits
// with country code; media goes by reference URL only.
type cloudDriver struct {
	tenantID int64
	phoneID  string
	token    string
	baseURL  string
}

func newCloudDriver(tenantID int64, phoneID string, token string, version string) *cloudDriver {
	return &cloudDriver{
		tenantID: tenantID,
		phoneID:  phoneID,
		token:    token,
		baseURL:  fmt.Sprintf("%s/%s/%s", cloudBaseURL, version, phoneID),
	}
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (d *cloudDriver) SendText(ctx context.Context, to string, body string) (SendResult, error) {
	if strings.Contains(to, "@"+types.GroupServer) {
		return SendResult{}, fmt.Errorf("cloud API does not support group messaging")
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	return d.send(ctx, payload)
}

func (d *cloudDriver) SendMedia(ctx context.Context, to string, mediaRef string, caption string) (SendResult, error) {
	if !strings.HasPrefix(mediaRef, "http") {
		return SendResult{}, fmt.Errorf("cloud API only supports media by URL reference")
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "image",
		"image": map[string]string{
			"link":    mediaRef,
			"caption": caption,
		},
	}
	return d.send(ctx, payload)
}

// CheckRegistered always reports existence. The cloud protocol has no
// registration lookup that does not bill per call, so every query is
// answered optimistically; callers needing a real check must use the
// socket driver.
func (d *cloudDriver) CheckRegistered(_ context.Context, phone string) (CheckResult, error) {
	return CheckResult{Exists: true, Key: phone}, nil
}

func (d *cloudDriver) ProfilePictureURL(context.Context, string) (string, error) {
	return "", nil
}

func (d *cloudDriver) send(ctx context.Context, payload map[string]interface{}) (SendResult, error) {
	resp, err := d.request(ctx, "/messages", payload)
	if err != nil {
		return SendResult{}, err
	}
	if len(resp.Messages) == 0 {
		return SendResult{}, fmt.Errorf("cloud API returned no message id")
	}
	return SendResult{MessageID: resp.Messages[0].ID}, nil
}

func (d *cloudDriver) request(ctx context.Context, endpoint string, payload map[string]interface{}) (*cloudSendResponse, error) {
	limiter := tenantLimiter(d.tenantID)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer limiter.Release(1)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < cloudRetryLimit; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+d.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := cloudHTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		var parsed cloudSendResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			lastErr = fmt.Errorf("cloud API error: HTTP %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &parsed, nil
		}

		message := string(respBody)
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		lastErr = fmt.Errorf("cloud API error: HTTP %d: %s", resp.StatusCode, message)

		// Retry only server faults and throttling.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, lastErr
		}
		log.Print(nil).WithError(lastErr).Warn("Cloud API call failed, retrying")
	}

	return nil, lastErr
}
