package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/ripple-publish/internal/service/adapter"
)

type Config struct {
	Platform      string
	DisplayName   string
	Endpoint      string
	Token         string
	RatePerMinute int
	Timeout       time.Duration
}

// Publisher delivers tasks to an HTTP endpoint that performs the actual
// platform automation. Calls are paced per platform.
type Publisher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.Platform
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}

	return &Publisher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (p *Publisher) PlatformID() string  { return p.cfg.Platform }
func (p *Publisher) DisplayName() string { return p.cfg.DisplayName }

type publishResponse struct {
	ID    string            `json:"id"`
	URL   string            `json:"url"`
	Error string            `json:"error"`
	Meta  map[string]string `json:"metadata"`
}

func (p *Publisher) Publish(ctx context.Context, req *adapter.Request) (*adapter.Outcome, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s rate limit: %w", p.cfg.Platform, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, adapter.Fatal(fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Fatal(fmt.Errorf("failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.DedupeToken)
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed publishResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			p.logger.Debug("Non-JSON webhook response",
				zap.String("platform", p.cfg.Platform),
				zap.Int("status", resp.StatusCode))
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &adapter.Outcome{
			Success:     true,
			ArtifactRef: parsed.ID,
			URL:         parsed.URL,
			Metadata:    parsed.Meta,
			PublishedAt: time.Now().UTC(),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("platform %s throttled the request: %d", p.cfg.Platform, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, adapter.Fatal(fmt.Errorf("platform %s rejected the request: %d %s", p.cfg.Platform, resp.StatusCode, parsed.Error))
	default:
		return &adapter.Outcome{
			Success:      false,
			ErrorMessage: fmt.Sprintf("platform %s returned %d %s", p.cfg.Platform, resp.StatusCode, parsed.Error),
		}, nil
	}
}
