package tools

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxnexus/voxnexus/pkg/store"
	"github.com/voxnexus/voxnexus/pkg/types"
)

const (
	// SignatureHeader carries the HMAC over the request payload.
	SignatureHeader = "X-Webhook-Signature"

	webhookTimeout     = 15 * time.Second
	maxWebhookResponse = 64 << 10
)

// webhookClient is shared by every webhook tool; the per-request timeout
// lives on the context so a slow endpoint cannot stall the turn loop.
var webhookClient = &http.Client{Timeout: webhookTimeout}

func newWebhookTool(hook store.Webhook, logger *slog.Logger) Tool {
	name := NormalizeToolName(hook.Name)
	params := hook.Parameters
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return Tool{
		Definition: types.ToolDefinition{
			Name:        name,
			Description: hook.Description,
			Parameters:  params,
		},
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			return invokeWebhook(ctx, hook, args, logger)
		},
	}
}

// invokeWebhook performs the outbound call. Endpoint failures are reported as
// strings so the model can relay them; only marshaling bugs surface as errors.
func invokeWebhook(ctx context.Context, hook store.Webhook, args map[string]any, logger *slog.Logger) (string, error) {
	method := strings.ToUpper(hook.Method)
	if method == "" {
		method = http.MethodPost
	}
	if hook.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var (
		req  *http.Request
		body []byte
		err  error
	)
	switch method {
	case http.MethodGet:
		target, perr := url.Parse(hook.URL)
		if perr != nil {
			return fmt.Sprintf("Error calling %s: invalid URL: %v", hook.Name, perr), nil
		}
		q := target.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	default:
		body, err = json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("tools: marshal webhook arguments: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, hook.URL, strings.NewReader(string(body)))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return fmt.Sprintf("Error calling %s: %v", hook.Name, err), nil
	}

	if hook.Secret != "" {
		// GET requests sign the empty string; POST signs the exact body bytes.
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		logger.Warn("webhook request failed", "tool", hook.Name, "error", err)
		return fmt.Sprintf("Error calling %s: %v", hook.Name, err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return fmt.Sprintf("Error reading response from %s: %v", hook.Name, err), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("webhook returned error status",
			"tool", hook.Name,
			"status", resp.StatusCode,
		)
		return fmt.Sprintf("The %s endpoint returned status %d: %s", hook.Name, resp.StatusCode, strings.TrimSpace(string(respBody))), nil
	}
	if len(respBody) == 0 {
		return fmt.Sprintf("%s completed successfully.", hook.Name), nil
	}
	return string(respBody), nil
}

// Sign computes the webhook signature header value for the given payload:
// "sha256=" followed by the hex HMAC-SHA256 of the payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
