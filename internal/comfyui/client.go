package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
)

// maxErrorBody caps how much of an error response body is echoed back.
const maxErrorBody = 4 << 10

// Client ComfyUI API client
type Client struct {
	endpoint   string
	clientID   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates ComfyUI client for endpoint (host:port or full URL)
func NewClient(endpoint string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		clientID: uuid.New().String(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// BaseURL returns the backend root URL
func (c *Client) BaseURL() string {
	return c.buildURL("/")
}

// buildURL builds complete URL, properly handling endpoint
func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	endpoint := strings.TrimSuffix(c.endpoint, "/")
	// If endpoint doesn't contain protocol, add http://
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return endpoint + path
}

// Ping checks the liveness endpoint, success is HTTP 200
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status: %d", resp.StatusCode)
	}
	return nil
}

// UploadImage posts an image to /upload/image as multipart form data
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(name)))
	header.Set("Content-Type", contentType(data))
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return fmt.Errorf("failed to write overwrite field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/upload/image"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	c.logger.WithField("name", name).Debug("Image uploaded")
	return nil
}

// SubmitWorkflow submits workflow to ComfyUI
func (c *Client) SubmitWorkflow(ctx context.Context, workflow map[string]any) (*interfaces.ComfyUIResponse, error) {
	// The top level element "prompt" is required by ComfyUI
	requestBody := map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/prompt"), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var result interfaces.ComfyUIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.PromptID == "" {
		return nil, fmt.Errorf("response has no prompt_id")
	}

	c.logger.WithField("prompt_id", result.PromptID).Debug("Workflow submitted successfully")
	return &result, nil
}

// GetHistory gets the history record for promptID
func (c *Client) GetHistory(ctx context.Context, promptID string) (interfaces.ComfyUIHistory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var history interfaces.ComfyUIHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// CancelPrompt removes promptID from the backend queue and interrupts it if
// it is the prompt executing. Other prompts are left alone.
func (c *Client) CancelPrompt(ctx context.Context, promptID string) error {
	if err := c.postJSON(ctx, "/queue", map[string]any{"delete": []string{promptID}}); err != nil {
		return fmt.Errorf("failed to delete queued prompt: %w", err)
	}
	if err := c.postJSON(ctx, "/interrupt", map[string]any{"prompt_id": promptID}); err != nil {
		return fmt.Errorf("failed to interrupt prompt: %w", err)
	}
	c.logger.WithField("prompt_id", promptID).Debug("Prompt cancelled")
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

func contentType(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/png"
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
