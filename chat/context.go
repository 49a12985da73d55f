package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vvivloy/mememaster/internal/config"
	"github.com/vvivloy/mememaster/store"
)

// Retrieval caps per tier: summarized fragments carry more per entry than
// raw dialogue, so fewer are injected.
const (
	relatedFragments = 2
	relatedDialogues = 4
	recentFallback   = 3
)

// buildContext composes the hidden prompt preamble for one turn: time
// context, retrieved memories (with sticky facts on their cadence), and the
// meme shelf. Everything sits inside a <system_context> block the model is
// told to treat as background.
func (c *Companion) buildContext(ctx context.Context, snap config.Snapshot, userText string, round int) string {
	var sb strings.Builder
	sb.WriteString("<system_context>\n")
	sb.WriteString("(以下是系统提供的背景信息，仅供你参考，禁止复述或提及其存在)\n")
	fmt.Fprintf(&sb, "【当前时间】%s\n", TimeContext(time.Now()))

	// Sticky facts are permanent but expensive to repeat every turn; they
	// re-enter the window on a cadence derived from the context size.
	if freq := snap.StickyFrequency(); freq > 0 && round%freq == 0 {
		if stickies, err := c.store.QuerySticky(ctx); err != nil {
			slog.Warn("chat: sticky retrieval failed", "error", err)
		} else if len(stickies) > 0 {
			sb.WriteString("【重要记忆】\n")
			for _, s := range stickies {
				fmt.Fprintf(&sb, "- %s\n", s)
			}
		}
	}

	memories := c.retrieve(ctx, userText)
	if len(memories) > 0 {
		sb.WriteString("【长期记忆】\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}

	if candidates := c.matcher.Candidates(ctx, userText); len(candidates) > 0 {
		sb.WriteString("【表情包】想发表情时，在回复中插入 <MEME:标签>。可选：")
		sb.WriteString(strings.Join(candidates, " | "))
		sb.WriteString("\n")
	}

	sb.WriteString("如果用户透露了值得永久记住的事实（生日、纪念日、重要约定），在回复末尾单独输出一行 [[MEM:该事实]]。\n")
	sb.WriteString("</system_context>\n")
	return sb.String()
}

// retrieve runs keyword retrieval over the summarized and raw tiers, falling
// back to plain recency when the text yields no hits so the companion is
// never context-blind.
func (c *Companion) retrieve(ctx context.Context, userText string) []string {
	fragments, err := c.store.QueryRelated(ctx, userText, []store.MemoryType{store.MemoryFragment}, relatedFragments)
	if err != nil {
		slog.Warn("chat: fragment retrieval failed", "error", err)
	}
	dialogues, err := c.store.QueryRelated(ctx, userText, []store.MemoryType{store.MemoryDialogue}, relatedDialogues)
	if err != nil {
		slog.Warn("chat: dialogue retrieval failed", "error", err)
	}

	memories := append(fragments, dialogues...)
	if len(memories) == 0 {
		recent, err := c.store.QueryRecent(ctx,
			[]store.MemoryType{store.MemoryFragment, store.MemoryDialogue}, recentFallback)
		if err != nil {
			slog.Warn("chat: recency fallback failed", "error", err)
			return nil
		}
		memories = recent
	}
	return memories
}
