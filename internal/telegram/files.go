package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxDownloadBytes = 20 * 1024 * 1024

// GetFile resolves a file id to its download metadata.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, fmt.Errorf("telegram getFile: missing file_id")
	}
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	if strings.TrimSpace(file.FilePath) == "" {
		return nil, fmt.Errorf("telegram getFile: missing file_path")
	}
	return &file, nil
}

// Download fetches the raw bytes of a previously resolved file path.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	filePath = strings.TrimLeft(strings.TrimSpace(filePath), "/")
	if filePath == "" {
		return nil, fmt.Errorf("telegram download: missing file_path")
	}
	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Code: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("telegram download: file too large (>%d bytes)", maxDownloadBytes)
	}
	return data, nil
}

// DownloadAsDataURL fetches a file and encodes it as a data: URL for the
// agent's file parts.
func (c *Client) DownloadAsDataURL(ctx context.Context, fileID, mime string) (string, error) {
	file, err := c.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	data, err := c.Download(ctx, file.FilePath)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(mime) == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// FileURL returns the direct download URL for a resolved file path; the
// transcriber streams from it instead of buffering through the bridge.
func (c *Client) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, strings.TrimLeft(filePath, "/"))
}
