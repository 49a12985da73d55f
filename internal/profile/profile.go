// Package profile holds the process-level runtime profile: data locations,
// database DSN and LLM provider settings loaded from flags and environment.
package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration used to start the companion process.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol).
	LLMProvider string // openai, deepseek, zai, siliconflow, dashscope, ollama
	LLMAPIKey   string
	LLMBaseURL  string // optional, has a default per provider
	LLMModel    string
	LLMTimeout  int // request timeout in seconds (default: 120)

	// Transport configuration.
	TelegramToken string

	Mode        string // dev, prod
	Data        string // data directory, holds the sqlite db, config.json and images/
	DSN         string
	MetricsAddr string // optional, e.g. ":9090"; empty disables the metrics listener
	Version     string
}

// Provider defaults used when LLM_BASE_URL or LLM_MODEL are not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"zai":         {BaseURL: "https://open.bigmodel.cn/api/paas/v4", Model: "glm-4.7"},
	"deepseek":    {BaseURL: "https://api.deepseek.com", Model: "deepseek-chat"},
	"openai":      {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
	"siliconflow": {BaseURL: "https://api.siliconflow.cn/v1", Model: "Qwen/Qwen2.5-72B-Instruct"},
	"dashscope":   {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-max-latest"},
	"ollama":      {BaseURL: "http://localhost:11434", Model: "llama3.1"},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled reports whether an LLM API key is configured.
// When false the companion still forwards messages but learns nothing.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

// ImageDir returns the blob directory for persisted meme files.
func (p *Profile) ImageDir() string {
	return filepath.Join(p.Data, "images")
}

// ConfigFile returns the path of the hot-reloadable runtime config.
func (p *Profile) ConfigFile() string {
	return filepath.Join(p.Data, "config.json")
}

// BufferFile returns the path of the crash-safe dialogue buffer.
func (p *Profile) BufferFile() string {
	return filepath.Join(p.Data, "buffer.json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("MEMEMASTER_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("MEMEMASTER_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("MEMEMASTER_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("MEMEMASTER_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("MEMEMASTER_LLM_TIMEOUT_SECONDS", 120)

	p.TelegramToken = getEnvOrDefault("MEMEMASTER_TELEGRAM_TOKEN", "")

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			p.LLMProvider = "openai"
		}
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if a relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		if err := os.MkdirAll(dataDir, 0o770); err != nil {
			return "", errors.Wrapf(err, "unable to create data folder %s", dataDir)
		}
	}
	return dataDir, nil
}

// Validate normalizes the profile and fills derived defaults.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Data == "" {
		p.Data = "data"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "failed to check data dir")
	}
	p.Data = dataDir

	if err := os.MkdirAll(p.ImageDir(), 0o770); err != nil {
		return errors.Wrap(err, "failed to create image dir")
	}

	if p.DSN == "" {
		p.DSN = filepath.Join(dataDir, "meme_core.db") + "?_time_format=sqlite"
	}
	if p.LLMTimeout <= 0 {
		p.LLMTimeout = 120
	}
	return nil
}
