package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trustvault/internal/config"
	"trustvault/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts each event as JSON. When a secret is set the body is signed
// with HMAC-SHA256 in X-Trustvault-Signature.
type Webhook struct {
	name   string
	url    string
	secret string
	filter eventFilter
	client *http.Client
}

func NewWebhook(h config.Webhook, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	name := h.Name
	if name == "" {
		name = "webhook:" + h.URL
	}
	return &Webhook{name: name, url: h.URL, secret: h.Secret, filter: newEventFilter(h.Events), client: client}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Accepts(eventType string) bool { return w.filter.match(eventType) }

func (w *Webhook) Deliver(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trustvault-Event", e.Type)
	req.Header.Set("X-Trustvault-Delivery", strconv.FormatInt(e.ID, 10))
	req.Header.Set("X-Trustvault-Contract", e.ContractID)
	if w.secret != "" {
		req.Header.Set("X-Trustvault-Signature", "sha256="+Sign(w.secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a X-Trustvault-Signature header value against body.
func Verify(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(secret, body)))
}
