// Package scan submits uploads to an external malware scanning service.
package scan

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Verdict is the outcome of one scan.
type Verdict struct {
	Clean   bool
	Threats []string
}

// Scanner inspects upload bytes before they are stored.
type Scanner interface {
	Scan(ctx context.Context, data []byte, filename string) (*Verdict, error)
}

type scanRequest struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

type scanResponse struct {
	Clean    bool     `json:"clean"`
	Threats  []string `json:"threats"`
	ScanTime float64  `json:"scan_time"`
}

// HTTPScanner posts base64 encoded uploads as JSON to a scanning endpoint.
type HTTPScanner struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPScanner(url string, timeout time.Duration, logger *slog.Logger) *HTTPScanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScanner{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "scan"),
	}
}

// Scan fails closed: an unreachable or misbehaving service is an error, never
// a clean verdict.
func (s *HTTPScanner) Scan(ctx context.Context, data []byte, filename string) (*Verdict, error) {
	body, err := json.Marshal(scanRequest{
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: filename,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scan request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scan service returned %d: %s", resp.StatusCode, string(raw))
	}

	var result scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode scan response: %w", err)
	}
	if !result.Clean {
		s.logger.Warn("threat detected in upload", "filename", filename, "threats", result.Threats)
	} else {
		s.logger.Debug("upload scanned clean", "filename", filename, "scan_time", result.ScanTime)
	}
	return &Verdict{Clean: result.Clean, Threats: result.Threats}, nil
}
