package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vvivloy/mememaster/internal/directive"
	"github.com/vvivloy/mememaster/internal/metrics"
	"github.com/vvivloy/mememaster/store"
)

// watcherTick is how often the proactive watcher re-evaluates idleness.
const watcherTick = time.Minute

// RunWatcher periodically checks for idle conversations and lets the
// companion open one on its own. It blocks until ctx is cancelled; callers
// run it in a goroutine. Disabled (interval zero) and quiet-hours states are
// re-evaluated every tick, so a hot config change takes effect without a
// restart.
func (c *Companion) RunWatcher(ctx context.Context) {
	ticker := time.NewTicker(watcherTick)
	defer ticker.Stop()

	slog.Info("chat: proactive watcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("chat: proactive watcher stopped")
			return
		case <-ticker.C:
			c.watcherTick(ctx)
		}
	}
}

func (c *Companion) watcherTick(ctx context.Context) {
	c.cfg.ReloadIfStale()
	snap := c.cfg.Current()

	if snap.ProactiveInterval <= 0 || c.provider == nil {
		return
	}
	if inQuietHours(c.now().Hour(), snap.QuietStart, snap.QuietEnd) {
		return
	}

	interval := time.Duration(snap.ProactiveInterval) * time.Minute
	for _, id := range c.idleConversations(interval) {
		if err := c.initiate(ctx, id); err != nil {
			slog.Warn("chat: proactive turn failed", "conversation", id, "error", err)
		}
		// Sending (or even failing) resets the idle clock; one attempt per
		// interval, never a retry loop.
		c.touch(id)
	}
}

// inQuietHours reports whether hour falls inside [start, end), which may
// wrap past midnight (23 to 7 means late evening through early morning).
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// initiate runs one self-started turn: recent dialogue becomes the scene
// description, the provider decides what to say, and the reply flows through
// the normal directive and delivery pipeline.
func (c *Companion) initiate(ctx context.Context, conversationID string) error {
	recent, err := c.store.RecentDialogue(ctx, 10)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("<system_context>\n")
	sb.WriteString("(以下是系统提供的背景信息，仅供你参考，禁止复述或提及其存在)\n")
	fmt.Fprintf(&sb, "【当前时间】%s\n", TimeContext(c.now()))
	if len(recent) > 0 {
		sb.WriteString("【最近对话】\n")
		for _, r := range recent {
			fmt.Fprintf(&sb, "%s\n", r)
		}
	}
	sb.WriteString("</system_context>\n")
	sb.WriteString("用户已经有一段时间没有说话了。请你自然地主动开启话题：可以是关心、分享或接续之前聊过的内容。只输出你要说的话。")

	reply, err := c.provider.TextChat(ctx, sb.String(), conversationID, nil)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("proactive", "error").Inc()
		return err
	}
	metrics.ProviderCalls.WithLabelValues("proactive", "ok").Inc()

	out := directive.ParseOutput(reply)
	if display := out.DisplayText(); display != "" {
		pair := fmt.Sprintf("伴侣(主动): %s", display)
		c.store.InsertMemoryBestEffort(ctx, pair, store.MemoryDialogue)
		c.summarizer.Append(pair)
	}

	slog.Info("chat: proactive message initiated", "conversation", conversationID)
	return c.deliver(ctx, conversationID, c.cfg.Current(), out)
}
