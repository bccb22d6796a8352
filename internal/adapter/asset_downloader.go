package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/retry"
	"github.com/guild-tracker/internal/types"
)

const maxAssetBytes = 5 << 20

// Asset is a downloaded file
type Asset struct {
	Data        []byte
	ContentType string
}

// AssetDownloader fetches public CDN assets. Render CDNs need no token, so this
// bypasses the Executor and uses the generic retry helper for transient failures.
type AssetDownloader struct {
	client *http.Client
	retry  *retry.RetryConfig
}

// NewAssetDownloader creates a downloader; a nil config uses three quick attempts
func NewAssetDownloader(client *http.Client, config *retry.RetryConfig) *AssetDownloader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if config == nil {
		config = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		}
	}
	if config.Retryable == nil {
		config.Retryable = retryableDownloadError
	}
	return &AssetDownloader{client: client, retry: config}
}

// Download fetches url, retrying network failures and 5xx/429 responses
func (d *AssetDownloader) Download(ctx context.Context, url string) (*Asset, error) {
	var asset *Asset
	err := retry.Do(ctx, d.retry, func(ctx context.Context, attempt int) error {
		a, err := d.fetch(ctx, url)
		if err != nil {
			return err
		}
		asset = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	return asset, nil
}

func (d *AssetDownloader) fetch(ctx context.Context, url string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &apperrors.UpstreamError{Service: "asset-cdn", StatusCode: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	if len(data) > maxAssetBytes {
		return nil, fmt.Errorf("asset exceeds %d bytes", maxAssetBytes)
	}
	return &Asset{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func retryableDownloadError(err error) bool {
	var upstream *apperrors.UpstreamError
	if apperrors.As(err, &upstream) {
		return upstream.StatusCode >= 500 || upstream.StatusCode == http.StatusTooManyRequests
	}
	return apperrors.Classify(err).Type == types.ErrorNetwork
}
