// Package config manages the hot-reloadable runtime settings.
//
// Settings live in a config.json under the data directory and may be edited
// while the process runs. Reload is polling based: callers invoke
// ReloadIfStale at well-defined points (message entry, watcher tick) and the
// file is re-read only when its modification timestamp advanced. Every
// operation works against an immutable Snapshot.
package config

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Snapshot is an immutable view of the runtime settings.
type Snapshot struct {
	// DebounceTime is the quiet window, in seconds, before a message burst
	// is flushed. Zero disables coalescing.
	DebounceTime float64 `mapstructure:"debounce_time"`

	// AutoSaveCooldown suppresses image auto-ingestion for the same
	// conversation more often than this many seconds.
	AutoSaveCooldown float64 `mapstructure:"auto_save_cooldown"`

	// ContextRounds is the provider-side context window in dialogue rounds.
	// It drives both the sticky injection cadence and the summarizer
	// trigger threshold.
	ContextRounds int `mapstructure:"context_rounds"`

	// ProactiveInterval, in minutes, after which the companion starts a
	// conversation on its own. Zero disables proactive messaging.
	ProactiveInterval int `mapstructure:"proactive_interval"`

	// QuietStart/QuietEnd bound the hours (0-23) during which proactive
	// messaging is suppressed. The window may wrap past midnight.
	QuietStart int `mapstructure:"quiet_start"`
	QuietEnd   int `mapstructure:"quiet_end"`

	// DelayBase and DelayFactor pace outbound segments:
	// delay = DelayBase + len(text)*DelayFactor, in seconds.
	DelayBase   float64 `mapstructure:"delay_base"`
	DelayFactor float64 `mapstructure:"delay_factor"`

	// MemeMatchThreshold is the minimum fuzzy similarity for tag resolution.
	MemeMatchThreshold float64 `mapstructure:"meme_match_threshold"`

	// EvaluatePrompt is the image classification prompt. The literal
	// {context_text} is replaced with the caption accompanying the image.
	EvaluatePrompt string `mapstructure:"evaluate_prompt"`
}

// Default returns the built-in settings, used when no config file exists yet.
func Default() Snapshot {
	return Snapshot{
		DebounceTime:       3.0,
		AutoSaveCooldown:   60,
		ContextRounds:      50,
		ProactiveInterval:  0,
		QuietStart:         23,
		QuietEnd:           7,
		DelayBase:          0.5,
		DelayFactor:        0.1,
		MemeMatchThreshold: 0.35,
		EvaluatePrompt:     defaultEvaluatePrompt,
	}
}

// StickyFrequency derives the sticky injection cadence from the context
// window: small windows inject every window-size rounds, larger windows at
// half that cadence.
func (s Snapshot) StickyFrequency() int {
	rounds := s.ContextRounds
	if rounds <= 0 {
		rounds = 50
	}
	if rounds <= 20 {
		return rounds
	}
	return rounds / 2
}

// SummaryThreshold returns the dialogue-buffer length that triggers
// summarization and the target summary length in characters.
func (s Snapshot) SummaryThreshold() (threshold, summaryChars int) {
	rounds := s.ContextRounds
	if rounds <= 0 {
		rounds = 50
	}
	switch {
	case rounds <= 20:
		return rounds, 150
	case rounds <= 50:
		return rounds * 8 / 10, 300
	default:
		return 50, 400
	}
}

// Manager loads the config file and serves snapshots, re-reading the file
// when its modification timestamp advances.
type Manager struct {
	path string

	mu      sync.RWMutex
	current Snapshot
	mtime   time.Time
}

// NewManager loads the initial snapshot from path. A missing file is not an
// error; defaults apply until the file appears.
func NewManager(path string) *Manager {
	m := &Manager{path: path, current: Default()}
	m.reload()
	return m
}

// Current returns the active snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ReloadIfStale re-reads the config file when its mtime advanced past the
// snapshot's. Returns true when a reload happened.
func (m *Manager) ReloadIfStale() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	m.mu.RLock()
	stale := info.ModTime().After(m.mtime)
	m.mu.RUnlock()
	if !stale {
		return false
	}
	slog.Info("config: hot reload", "path", m.path)
	m.reload()
	return true
}

func (m *Manager) reload() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}

	v := viper.New()
	v.SetConfigFile(m.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("config: failed to read config file, keeping previous snapshot", "path", m.path, "error", err)
		return
	}

	snap := Default()
	if err := v.Unmarshal(&snap); err != nil {
		slog.Warn("config: failed to unmarshal config file, keeping previous snapshot", "path", m.path, "error", err)
		return
	}

	m.mu.Lock()
	m.current = snap
	m.mtime = info.ModTime()
	m.mu.Unlock()
}

const defaultEvaluatePrompt = `你是一个专业的表情包筛选员，正在帮我扩充图库。
用户发送图片时的配文是："{context_text}"。(请结合该配文理解，但如果配文在玩梗，请以图片视觉事实为准)

【核心原则】
1. 视觉识别必须精准：实事求是，禁止幻觉和过度联想。
2. 普通的系统截图、无关的风景照、纯文字聊天记录直接回复 NO。

【判断逻辑】
只有当图片是有趣的、可爱的、或具有情绪表达价值的表情包时，才保存。

【输出格式】
如果不保存，仅回复：NO
如果保存，请严格按以下格式回复：
YES
<准确的名称>:一句简短自然的使用场景说明`
