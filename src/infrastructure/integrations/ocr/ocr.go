// Package ocr is the HTTP client for the external OCR sidecar. The
// engine itself (rasterization + recognition) is an opaque
// collaborator; this client only speaks its multipart API and plugs
// into the pipeline's OCREngine interface.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Recognize sends the document for recognition and returns the
// recovered text with the engine's mean confidence.
func (c *Client) Recognize(ctx context.Context, data []byte, languages []string) (string, float64, error) {
	var requestBody bytes.Buffer
	multipartWriter := multipart.NewWriter(&requestBody)

	fileWriter, err := multipartWriter.CreateFormFile("file", "document.pdf")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create form file: %v", err)
	}
	if _, err = io.Copy(fileWriter, bytes.NewReader(data)); err != nil {
		return "", 0, fmt.Errorf("failed to write file content: %v", err)
	}
	if len(languages) > 0 {
		if err := multipartWriter.WriteField("languages", strings.Join(languages, "+")); err != nil {
			return "", 0, fmt.Errorf("failed to write languages field: %v", err)
		}
	}
	multipartWriter.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recognize", &requestBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", multipartWriter.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, string(body))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("failed to decode ocr response: %v", err)
	}
	return out.Text, out.Confidence, nil
}
