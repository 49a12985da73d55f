// Package telegram implements the Telegram Bot channel: a long-polling
// update loop feeding the companion, plus the admin command surface.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/vvivloy/mememaster/chat"
	"github.com/vvivloy/mememaster/meme"
	"github.com/vvivloy/mememaster/store"
)

const pollTimeoutSeconds = 30

// Config holds channel configuration.
type Config struct {
	BotToken string
	// DataDir is where restore extracts and backup reads from.
	DataDir string
	// Backup names the non-database files included in a backup archive.
	Backup store.BackupPaths
}

// Channel is the Telegram adapter. It implements chat.Transport for
// outbound delivery and owns the inbound update loop.
type Channel struct {
	bot       *tgbotapi.BotAPI
	config    *Config
	companion *chat.Companion
	library   *meme.Library
	store     *store.Store
	client    *http.Client
}

// NewChannel creates the adapter and verifies the token against the API.
func NewChannel(cfg *Config, st *store.Store, library *meme.Library) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return &Channel{
		bot:     bot,
		config:  cfg,
		library: library,
		store:   st,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Bind attaches the conversation loop. Separate from NewChannel because the
// companion needs the channel as its Transport first.
func (t *Channel) Bind(c *chat.Companion) {
	t.companion = c
}

// Run drives the long-polling update loop until ctx is cancelled. Each
// update is handled in its own goroutine; a debounce owner blocking on its
// quiet window never stalls the loop.
func (t *Channel) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := t.bot.GetUpdatesChan(u)

	slog.Info("telegram: update loop started", "bot", t.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			slog.Info("telegram: update loop stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			go t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() {
		// Commands never merge into a conversational burst: deliver whatever
		// is buffered first, then run the command on its own.
		t.companion.FlushPending(conversationID)
		t.handleCommand(ctx, msg)
		return
	}

	text := msg.Text
	var imageURLs []string
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		if url, err := t.fileURL(largest.FileID); err != nil {
			slog.Warn("telegram: failed to resolve photo url", "error", err)
		} else {
			imageURLs = append(imageURLs, url)
		}
		if msg.Caption != "" {
			text = msg.Caption
		}
	}
	if msg.Sticker != nil && !msg.Sticker.IsAnimated && !msg.Sticker.IsVideo {
		if url, err := t.fileURL(msg.Sticker.FileID); err == nil {
			imageURLs = append(imageURLs, url)
		}
	}

	if err := t.companion.HandleMessage(ctx, conversationID, text, imageURLs); err != nil {
		slog.Error("telegram: message handling failed", "chat_id", conversationID, "error", err)
	}
}

// SendText delivers one text segment. Implements chat.Transport.
func (t *Channel) SendText(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// SendImage delivers a stored library image. Animated GIFs go out as
// animations so Telegram keeps them moving. Implements chat.Transport.
func (t *Channel) SendImage(ctx context.Context, conversationID, imagePath string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}

	file := tgbotapi.FileBytes{Name: filepath.Base(imagePath), Bytes: data}
	if strings.EqualFold(filepath.Ext(imagePath), ".gif") {
		_, err = t.bot.Send(tgbotapi.NewAnimation(chatID, file))
	} else {
		_, err = t.bot.Send(tgbotapi.NewPhoto(chatID, file))
	}
	return err
}

// fileURL resolves a Telegram file ID to a downloadable URL.
func (t *Channel) fileURL(fileID string) (string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}
	url := file.Link(t.bot.Token)
	if url == "" {
		return "", fmt.Errorf("empty file link from Telegram")
	}
	return url, nil
}

func (t *Channel) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	args := strings.TrimSpace(msg.CommandArguments())

	var reply string
	switch msg.Command() {
	case "start", "help":
		reply = helpText
	case "stats":
		reply = t.statsText(ctx)
	case "memories":
		reply = t.memoriesText(ctx)
	case "remember":
		reply = t.rememberSticky(ctx, args)
	case "forget":
		reply = t.forgetSticky(ctx, args)
	case "save":
		reply = t.saveMeme(ctx, msg, args)
	case "slim":
		reply = t.slimLibrary(ctx)
	case "backup":
		t.sendBackup(ctx, msg.Chat.ID)
		return
	case "restore":
		reply = t.restoreBackup(ctx, msg)
	default:
		return
	}

	if reply != "" {
		if err := t.SendText(ctx, conversationID, reply); err != nil {
			slog.Warn("telegram: command reply failed", "command", msg.Command(), "error", err)
		}
	}
}

func (t *Channel) statsText(ctx context.Context) string {
	memes, err := t.store.CountMemes(ctx)
	if err != nil {
		return "统计失败：" + err.Error()
	}
	stickies, err := t.store.ListStickies(ctx)
	if err != nil {
		return "统计失败：" + err.Error()
	}
	return fmt.Sprintf("表情包：%d 张\n重要记忆：%d 条", memes, len(stickies))
}

func (t *Channel) memoriesText(ctx context.Context) string {
	stickies, err := t.store.ListStickies(ctx)
	if err != nil {
		return "读取失败：" + err.Error()
	}
	if len(stickies) == 0 {
		return "还没有重要记忆。"
	}
	var sb strings.Builder
	sb.WriteString("重要记忆：\n")
	for _, m := range stickies {
		fmt.Fprintf(&sb, "%d. %s\n", m.ID, m.Content)
	}
	return sb.String()
}

func (t *Channel) rememberSticky(ctx context.Context, args string) string {
	if args == "" {
		return "用法：/remember 要记住的事实"
	}
	if _, err := t.store.InsertMemory(ctx, args, store.MemorySticky); err != nil {
		return "保存失败：" + err.Error()
	}
	return "已记住。"
}

func (t *Channel) forgetSticky(ctx context.Context, args string) string {
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "用法：/forget 记忆编号"
	}
	if err := t.store.DeleteSticky(ctx, id); err != nil {
		return "删除失败：" + err.Error()
	}
	return "已忘记。"
}

// saveMeme stores the photo the command replies to, under the given tags.
func (t *Channel) saveMeme(ctx context.Context, msg *tgbotapi.Message, args string) string {
	if args == "" {
		return "用法：回复一张图片并输入 /save 名称:说明"
	}
	src := msg.ReplyToMessage
	if src == nil || len(src.Photo) == 0 {
		return "请回复一张图片再使用 /save。"
	}

	url, err := t.fileURL(src.Photo[len(src.Photo)-1].FileID)
	if err != nil {
		return "下载失败：" + err.Error()
	}
	data, err := t.download(ctx, url)
	if err != nil {
		return "下载失败：" + err.Error()
	}

	filename, err := t.library.Add(ctx, data, args)
	if err != nil {
		return "保存失败：" + err.Error()
	}
	slog.Info("telegram: meme saved by command", "filename", filename, "tags", args)
	return "已保存：" + args
}

func (t *Channel) slimLibrary(ctx context.Context) string {
	n, err := t.library.Recompress(ctx)
	if err != nil {
		return "瘦身失败：" + err.Error()
	}
	return fmt.Sprintf("图库瘦身完成，压缩了 %d 张图片。", n)
}

// sendBackup streams a full state archive as a document.
func (t *Channel) sendBackup(ctx context.Context, chatID int64) {
	var buf bytes.Buffer
	if err := t.store.Backup(&buf, t.config.Backup); err != nil {
		slog.Error("telegram: backup failed", "error", err)
		_, _ = t.bot.Send(tgbotapi.NewMessage(chatID, "备份失败："+err.Error()))
		return
	}

	name := fmt.Sprintf("mememaster_backup_%s.zip", time.Now().Format("20060102_150405"))
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: buf.Bytes()})
	if _, err := t.bot.Send(doc); err != nil {
		slog.Error("telegram: backup delivery failed", "error", err)
	}
}

// restoreBackup extracts an uploaded archive into the data directory. The
// running process keeps its open database handle; a restart picks up the
// restored state.
func (t *Channel) restoreBackup(ctx context.Context, msg *tgbotapi.Message) string {
	src := msg.ReplyToMessage
	if src == nil || src.Document == nil || !strings.HasSuffix(src.Document.FileName, ".zip") {
		return "请回复一个备份 zip 文件再使用 /restore。"
	}

	url, err := t.fileURL(src.Document.FileID)
	if err != nil {
		return "下载失败：" + err.Error()
	}
	data, err := t.download(ctx, url)
	if err != nil {
		return "下载失败：" + err.Error()
	}

	if err := store.Restore(bytes.NewReader(data), int64(len(data)), t.config.DataDir); err != nil {
		slog.Error("telegram: restore failed", "error", err)
		return "恢复失败：" + err.Error()
	}
	slog.Info("telegram: backup restored", "data_dir", t.config.DataDir)
	return "已恢复备份，重启程序后生效。"
}

func (t *Channel) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const helpText = `我在呢。直接和我聊天就好～
/stats 查看图库和记忆统计
/memories 列出重要记忆
/remember 事实 — 手动记住一条事实
/forget 编号 — 忘记一条重要记忆
/save 名称:说明 — 回复图片保存为表情包
/slim 压缩图库
/backup 导出全部数据
/restore 回复备份文件恢复数据`

// Ensure Channel implements the delivery contract.
var _ chat.Transport = (*Channel)(nil)
