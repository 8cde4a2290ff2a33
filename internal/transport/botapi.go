package transport

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/domain"
)

const parseModeMarkdown = tgbotapi.ModeMarkdown

// BotAPIGateway talks to the chat platform's bot HTTP API.
type BotAPIGateway struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// NewBotAPIGateway builds a gateway against the given API base URL. The
// underlying client authorizes on construction.
func NewBotAPIGateway(baseURL, token string, logger *zap.Logger) (*BotAPIGateway, error) {
	endpoint := tgbotapi.APIEndpoint
	if baseURL != "" {
		endpoint = baseURL + "/bot%s/%s"
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot api client: %w", err)
	}
	logger.Info("transport authorized", zap.String("username", api.Self.UserName))
	return &BotAPIGateway{api: api, logger: logger}, nil
}

func (g *BotAPIGateway) send(ctx context.Context, c tgbotapi.Chattable) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, err
	}
	msg, err := g.api.Send(c)
	if err != nil {
		g.logger.Warn("transport call rejected", zap.Error(err))
		return SentMessage{}, err
	}
	return SentMessage{ID: int64(msg.MessageID), ChatID: msg.Chat.ID}, nil
}

// SendText sends a markup-formatted text message.
func (g *BotAPIGateway) SendText(ctx context.Context, chatID int64, text string) (SentMessage, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseModeMarkdown
	return g.send(ctx, msg)
}

// Reply sends a text message anchored to an existing message.
func (g *BotAPIGateway) Reply(ctx context.Context, chatID int64, replyToID int64, text string) (SentMessage, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseModeMarkdown
	msg.ReplyToMessageID = int(replyToID)
	return g.send(ctx, msg)
}

// SendAttachment sends one attachment with a shared caption.
func (g *BotAPIGateway) SendAttachment(ctx context.Context, chatID int64, item AlbumItem, caption string) (SentMessage, error) {
	file := tgbotapi.FileID(item.FileID)
	switch item.Kind {
	case domain.AttachmentPhoto:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = caption
		cfg.ParseMode = parseModeMarkdown
		return g.send(ctx, cfg)
	case domain.AttachmentVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption = caption
		cfg.ParseMode = parseModeMarkdown
		return g.send(ctx, cfg)
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = caption
		cfg.ParseMode = parseModeMarkdown
		return g.send(ctx, cfg)
	}
}

// SendAlbum sends a grouped set of attachments; the caption rides on the
// first item, which is how the platform renders shared album captions.
func (g *BotAPIGateway) SendAlbum(ctx context.Context, chatID int64, items []AlbumItem, caption string) ([]SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	media := make([]interface{}, 0, len(items))
	for i, item := range items {
		media = append(media, albumEntry(item, i == 0, caption))
	}

	msgs, err := g.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
	if err != nil {
		g.logger.Warn("transport call rejected", zap.Error(err))
		return nil, err
	}

	result := make([]SentMessage, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, SentMessage{ID: int64(msg.MessageID), ChatID: msg.Chat.ID})
	}
	return result, nil
}

// SendChoices sends a text message with one inline button per choice; the
// button's callback data equals its label.
func (g *BotAPIGateway) SendChoices(ctx context.Context, chatID int64, text string, choices []string) (SentMessage, error) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, choice := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(choice, choice)))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseModeMarkdown
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return g.send(ctx, msg)
}

func albumEntry(item AlbumItem, first bool, caption string) interface{} {
	file := tgbotapi.FileID(item.FileID)
	switch item.Kind {
	case domain.AttachmentVideo:
		entry := tgbotapi.NewInputMediaVideo(file)
		if first && caption != "" {
			entry.Caption = caption
			entry.ParseMode = parseModeMarkdown
		}
		return entry
	case domain.AttachmentDocument:
		entry := tgbotapi.NewInputMediaDocument(file)
		if first && caption != "" {
			entry.Caption = caption
			entry.ParseMode = parseModeMarkdown
		}
		return entry
	default:
		entry := tgbotapi.NewInputMediaPhoto(file)
		if first && caption != "" {
			entry.Caption = caption
			entry.ParseMode = parseModeMarkdown
		}
		return entry
	}
}
