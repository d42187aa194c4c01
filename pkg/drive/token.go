package drive

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// TokenSource provides the bearer token for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed access token, typically from configuration or an
// environment variable.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the access token from a file on first use and re-reads it
// when the cached value is older than the refresh interval. External helpers
// can rewrite the file while a long mirror run is in flight.
type FileToken struct {
	Path string
	// RefreshInterval defaults to 5 minutes.
	RefreshInterval time.Duration

	mu      sync.Mutex
	cached  string
	readAt  time.Time
}

func (t *FileToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	interval := t.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if t.cached != "" && time.Since(t.readAt) < interval {
		return t.cached, nil
	}

	data, err := os.ReadFile(t.Path)
	if err != nil {
		if t.cached != "" {
			// Keep serving the last good token if the file is briefly gone.
			return t.cached, nil
		}
		return "", fmt.Errorf("failed to read token file %s: %w", t.Path, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", t.Path)
	}
	t.cached = tok
	t.readAt = time.Now()
	return tok, nil
}
