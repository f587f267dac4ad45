package adapter

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/models"
)

type stubAdapter struct {
	platform string
}

func (s stubAdapter) PlatformID() string  { return s.platform }
func (s stubAdapter) DisplayName() string { return "Stub " + s.platform }
func (s stubAdapter) Publish(context.Context, *Request) (*Outcome, error) {
	return &Outcome{Success: true}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(stubAdapter{platform: "zhihu"}))
	require.NoError(t, r.Register(stubAdapter{platform: "blog"}))

	assert.Error(t, r.Register(stubAdapter{platform: "blog"}))
	assert.Error(t, r.Register(stubAdapter{}))

	a, err := r.Get("blog")
	require.NoError(t, err)
	assert.Equal(t, "blog", a.PlatformID())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "blog", all[0].PlatformID())
	assert.Equal(t, "zhihu", all[1].PlatformID())
}

func TestRegistrySyncKeepsEnabledFlag(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Platform{}))

	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(stubAdapter{platform: "blog"}))
	require.NoError(t, r.Sync(context.Background(), db))

	require.NoError(t, db.Model(&models.Platform{}).Where("name = ?", "blog").Update("enabled", false).Error)
	require.NoError(t, r.Sync(context.Background(), db))

	var platforms []models.Platform
	require.NoError(t, db.Find(&platforms).Error)
	require.Len(t, platforms, 1)
	assert.Equal(t, "Stub blog", platforms[0].DisplayName)
	assert.False(t, platforms[0].Enabled)
}

func TestFatal(t *testing.T) {
	assert.Nil(t, Fatal(nil))
	err := Fatal(assert.AnError)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsFatal(assert.AnError))
}
