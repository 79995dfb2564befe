package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rxops/apiserver/internal/storage"
)

const maxAvatarBytes = 5 << 20

// AvatarMirror downloads provider-hosted profile pictures and re-hosts
// them in our own object storage so the application never serves images
// from third-party URLs.
type AvatarMirror struct {
	store         *storage.Storage
	publicBaseURL string
	httpClient    *http.Client
}

func NewAvatarMirror(store *storage.Storage, publicBaseURL string) *AvatarMirror {
	return &AvatarMirror{
		store:         store,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Mirror fetches sourceURL and stores it under a stable per-user key,
// returning the re-hosted URL. A nil mirror passes the source URL
// through unchanged.
func (m *AvatarMirror) Mirror(ctx context.Context, userID int64, sourceURL string) (string, error) {
	if m == nil || m.store == nil {
		return sourceURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch avatar: status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxAvatarBytes)); err != nil {
		return "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := fmt.Sprintf("avatars/%d", userID)
	if err := m.store.Put(ctx, key, &buf, int64(buf.Len()), contentType); err != nil {
		return "", err
	}

	if m.publicBaseURL == "" {
		return sourceURL, nil
	}
	return fmt.Sprintf("%s/%s/%s", m.publicBaseURL, m.store.Bucket(), key), nil
}
