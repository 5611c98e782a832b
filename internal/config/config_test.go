package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowforge/engine/internal/config"
)

func TestDefaultMatchesSpecTable(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 3, cfg.Stages["DRAFT_GENERATION"].MaxRetries)
	assert.Equal(t, 2, cfg.Stages["STYLE_VALIDATION"].MaxRetries)
	assert.Equal(t, 2, cfg.Stages["QUALITY_CHECK"].MaxRetries)
	assert.Equal(t, 1, cfg.Stages["RESEARCH"].MaxRetries)
	assert.Equal(t, 180, cfg.Stages["DRAFT_GENERATION"].TimeoutSeconds)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	yaml := []byte(`
history_limit: 500
stages:
  DRAFT_GENERATION:
    max_retries: 5
    timeout_seconds: 240
`)
	cfg, err := config.Load(yaml)
	assert.NoError(t, err)
	assert.Equal(t, 500, cfg.HistoryLimit)
	assert.Equal(t, 5, cfg.Stages["DRAFT_GENERATION"].MaxRetries)
}
