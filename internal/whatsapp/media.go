package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// SendImage sends an image by public URL with an optional caption
func (c *Client) SendImage(ctx context.Context, to, imageURL, caption string) (string, error) {
	image := map[string]any{"link": imageURL}
	if caption != "" {
		image["caption"] = SanitizeUTF8(caption)
	}

	return c.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizePhone(to),
		"type":              "image",
		"image":             image,
	})
}

// SendVideoByID sends a previously uploaded video by its media id
func (c *Client) SendVideoByID(ctx context.Context, to, mediaID, caption string) (string, error) {
	video := map[string]any{"id": mediaID}
	if caption != "" {
		video["caption"] = SanitizeUTF8(caption)
	}

	return c.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizePhone(to),
		"type":              "video",
		"video":             video,
	})
}

// SendDocument sends a document by public URL
func (c *Client) SendDocument(ctx context.Context, to, documentURL, filename, caption string) (string, error) {
	document := map[string]any{"link": documentURL, "filename": filename}
	if caption != "" {
		document["caption"] = SanitizeUTF8(caption)
	}

	return c.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                NormalizePhone(to),
		"type":              "document",
		"document":          document,
	})
}

// UploadMedia uploads a binary buffer to the provider's media endpoint and
// returns the opaque media id usable in a later send
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/media", c.baseURL, c.apiVersion, c.phoneNumberID)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write upload body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Info("uploading media", "bytes", len(data), "mime_type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	var parsed struct {
		ID    string `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode < 400 {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if parsed.Error != nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return "", apiErr
	}

	c.logger.Info("media uploaded", "media_id", parsed.ID)
	return parsed.ID, nil
}
