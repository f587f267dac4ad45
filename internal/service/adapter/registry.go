package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/ripple-publish/internal/models"
)

var ErrUnknownPlatform = errors.New("no adapter registered for platform")

// Registry maps platform ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := a.PlatformID()
	if platform == "" {
		return fmt.Errorf("adapter has an empty platform id")
	}
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("adapter for platform %s already registered", platform)
	}

	r.adapters[platform] = a
	r.logger.Info("Adapter registered", zap.String("platform", platform))
	return nil
}

func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.adapters[platform]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

// All returns the registered adapters sorted by platform id.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	sort.Slice(adapters, func(i, j int) bool {
		return adapters[i].PlatformID() < adapters[j].PlatformID()
	})
	return adapters
}

// Sync makes sure every registered adapter has a platforms row. Existing
// rows keep their enabled flag so operator changes survive restarts.
func (r *Registry) Sync(ctx context.Context, db *gorm.DB) error {
	for _, a := range r.All() {
		platform := &models.Platform{
			Name:        a.PlatformID(),
			DisplayName: a.DisplayName(),
			Enabled:     true,
		}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).Create(platform).Error
		if err != nil {
			return fmt.Errorf("failed to sync platform %s: %w", a.PlatformID(), err)
		}
	}
	return nil
}
