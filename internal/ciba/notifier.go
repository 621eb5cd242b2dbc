package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers ping mode notifications to a client.
type Notifier interface {
	Notify(ctx context.Context, endpoint, notificationToken, authReqID string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, endpoint, notificationToken, authReqID string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, endpoint, notificationToken, authReqID string) error {
	return f(ctx, endpoint, notificationToken, authReqID)
}

// HTTPNotifier posts {"auth_req_id": ...} to the client notification endpoint,
// authenticated with the client notification token as a bearer token.
type HTTPNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPNotifier creates an HTTPNotifier. A nil client gets a 10 second timeout.
func NewHTTPNotifier(client *http.Client, logger *slog.Logger) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{client: client, logger: logger}
}

// Notify sends one notification. Any 2xx status is success.
func (n *HTTPNotifier) Notify(ctx context.Context, endpoint, notificationToken, authReqID string) error {
	body, err := json.Marshal(map[string]string{"auth_req_id": authReqID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+notificationToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		n.logger.Debug("client notification rejected", "status", resp.StatusCode, "body", string(b))
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
