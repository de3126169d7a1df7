package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillpost/mailroom/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(cfg config.Config) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d/admin", cfg.Server.Port),
		token:      cfg.Server.AdminToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is mailroom running? (%w)", err)
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type jobView struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"error_message"`
	CreatedAt    string `json:"created_at"`
	ProcessedAt  string `json:"processed_at"`
}

func (c *apiClient) listJobs(ctx context.Context, status string, limit int) ([]jobView, error) {
	path := fmt.Sprintf("/jobs?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	var jobs []jobView
	if err := decodeJSON(resp, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *apiClient) retryJob(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/retry", id))
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

type messageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Direction      string `json:"direction"`
	Sender         string `json:"sender"`
	Subject        string `json:"subject"`
}

func (c *apiClient) listMessages(ctx context.Context, limit int) ([]messageView, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/messages?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	var msgs []messageView
	if err := decodeJSON(resp, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
