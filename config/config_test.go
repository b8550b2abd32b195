package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(oldwd) }()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "rockbot", cfg.Identity.AgentName)
	assert.Equal(t, "rockbot.topic", cfg.Broker.Exchange)
	assert.Equal(t, 10, cfg.Broker.PrefetchSize)
}

func TestLoadReadsExplicitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  agent_name: patrol-bot\nbroker:\n  exchange: custom.topic\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "patrol-bot", cfg.Identity.AgentName)
	assert.Equal(t, "custom.topic", cfg.Broker.Exchange)
}

func TestLoadAgentProfileReadsDataVolumeFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "soul.md"), []byte("You are RockBot."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "directives.md"), []byte("Be concise."), 0o644))

	profile, err := LoadAgentProfile(DataVolumeConfig{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, "You are RockBot.", profile.Soul)
	assert.Equal(t, "Be concise.", profile.Directives)
	assert.Equal(t, "", profile.Style)
}

func TestLoadAgentProfileMissingSoulFails(t *testing.T) {
	_, err := LoadAgentProfile(DataVolumeConfig{Path: t.TempDir()})
	assert.Error(t, err)
}

func TestModelBehaviorTextMatchesLongestPrefixDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "soul.md"), []byte("soul"), 0o644))
	behaviorsDir := filepath.Join(dir, "model-behaviors", "claude-opus-")
	require.NoError(t, os.MkdirAll(behaviorsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(behaviorsDir, "extra.md"), []byte("opus-specific text"), 0o644))

	profile, err := LoadAgentProfile(DataVolumeConfig{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, "opus-specific text", profile.ModelAdditionalText("claude-opus-4"))
	assert.Equal(t, "", profile.ModelAdditionalText("gpt-4o"))
}

func TestParseFrontmatterExtractsMetaAndBody(t *testing.T) {
	doc := []byte("---\nname: deploy\ndescription: deploys the service\n---\n\nRun the deploy script.\n")
	parsed, err := ParseFrontmatter(doc)
	require.NoError(t, err)
	assert.Equal(t, "deploy", parsed.Meta["name"])
	assert.Equal(t, "Run the deploy script.", parsed.Body)
}
