package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_ProviderDefaults(t *testing.T) {
	t.Setenv("MEMEMASTER_LLM_PROVIDER", "deepseek")
	t.Setenv("MEMEMASTER_LLM_API_KEY", "test-key")
	t.Setenv("MEMEMASTER_LLM_BASE_URL", "")
	t.Setenv("MEMEMASTER_LLM_MODEL", "")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "deepseek", p.LLMProvider)
	assert.Equal(t, "https://api.deepseek.com", p.LLMBaseURL)
	assert.Equal(t, "deepseek-chat", p.LLMModel)
	assert.True(t, p.IsAIEnabled())
}

func TestFromEnv_UnknownProviderFallsBack(t *testing.T) {
	t.Setenv("MEMEMASTER_LLM_PROVIDER", "no-such-provider")
	t.Setenv("MEMEMASTER_LLM_API_KEY", "")
	t.Setenv("MEMEMASTER_LLM_BASE_URL", "")
	t.Setenv("MEMEMASTER_LLM_MODEL", "")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "openai", p.LLMProvider)
	assert.False(t, p.IsAIEnabled())
}

func TestFromEnv_ExplicitOverridesWin(t *testing.T) {
	t.Setenv("MEMEMASTER_LLM_PROVIDER", "ollama")
	t.Setenv("MEMEMASTER_LLM_BASE_URL", "http://gpu-box:11434")
	t.Setenv("MEMEMASTER_LLM_MODEL", "qwen2.5:14b")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "http://gpu-box:11434", p.LLMBaseURL)
	assert.Equal(t, "qwen2.5:14b", p.LLMModel)
}

func TestValidate_FillsDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	p := &Profile{Data: dir, Mode: "prod"}
	require.NoError(t, p.Validate())

	assert.Equal(t, filepath.Join(dir, "images"), p.ImageDir())
	assert.Equal(t, filepath.Join(dir, "config.json"), p.ConfigFile())
	assert.Equal(t, filepath.Join(dir, "buffer.json"), p.BufferFile())
	assert.Contains(t, p.DSN, "meme_core.db")
	assert.DirExists(t, p.ImageDir())
	assert.Equal(t, 120, p.LLMTimeout)
}

func TestValidate_NormalizesMode(t *testing.T) {
	p := &Profile{Data: t.TempDir(), Mode: "banana"}
	require.NoError(t, p.Validate())
	assert.Equal(t, "dev", p.Mode)
	assert.True(t, p.IsDev())
}
