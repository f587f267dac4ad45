package dryrun

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/service/adapter"
)

// Publisher pretends to publish. It is meant for local runs and staging
// tenants where nothing should leave the process.
type Publisher struct {
	platform    string
	displayName string
	delay       time.Duration
	logger      *zap.Logger
}

func New(platform, displayName string, delay time.Duration, logger *zap.Logger) *Publisher {
	if displayName == "" {
		displayName = platform
	}
	return &Publisher{
		platform:    platform,
		displayName: displayName,
		delay:       delay,
		logger:      logger,
	}
}

func (p *Publisher) PlatformID() string  { return p.platform }
func (p *Publisher) DisplayName() string { return p.displayName }

func (p *Publisher) Publish(ctx context.Context, req *adapter.Request) (*adapter.Outcome, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	p.logger.Info("Dry-run publish",
		zap.String("platform", p.platform),
		zap.Uint("task_id", req.TaskID),
		zap.String("title", req.Title),
		zap.Int("attempt", req.Attempt))

	return &adapter.Outcome{
		Success:     true,
		ArtifactRef: "dryrun-" + req.DedupeToken,
		URL:         "dryrun://" + p.platform + "/" + req.Slug,
		PublishedAt: time.Now().UTC(),
	}, nil
}
