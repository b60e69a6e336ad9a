package bridge

import (
	"context"
	"strings"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// session is the single active agent session of this instance.
type session struct {
	ID         string
	TitleKnown bool
	Model      *opencode.ModelRef
}

// ensureSession returns the current session, creating one on first use.
func (b *Bridge) ensureSession(ctx context.Context) (*session, error) {
	b.mu.Lock()
	if b.session != nil {
		s := b.session
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	// A session id passed on the command line resumes that session instead
	// of opening a fresh one.
	if id := strings.TrimSpace(b.cfg.SessionID); id != "" {
		s := &session{ID: id, TitleKnown: true}
		b.mu.Lock()
		if b.session == nil {
			b.session = s
		} else {
			s = b.session
		}
		b.mu.Unlock()
		b.projector.SetThread(s.ID, b.cfg.ThreadID)
		return s, nil
	}

	created, err := b.agent.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{ID: created.ID, TitleKnown: created.Title != ""}
	b.mu.Lock()
	if b.session == nil {
		b.session = s
	} else {
		s = b.session
	}
	b.mu.Unlock()
	b.projector.SetThread(s.ID, b.cfg.ThreadID)
	return s, nil
}

func (b *Bridge) currentSession() *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// submitPrompt builds the parts list from a Telegram message and hands it
// to the agent: photos become data-URL file parts, voice notes go through
// the transcriber, video is rejected, everything else is text.
func (b *Bridge) submitPrompt(ctx context.Context, msg *telegram.Message) {
	if msg.Video != nil {
		b.reply(ctx, msg, "video messages are not supported")
		return
	}

	var parts []opencode.PromptPart
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if len(msg.Photo) > 0 {
		photo, ok := telegram.LargestPhoto(msg.Photo)
		if ok {
			dataURL, err := b.api.DownloadAsDataURL(ctx, photo.FileID, "image/jpeg")
			if err != nil {
				b.logger.Warn("photo download failed", "error", err)
				b.reply(ctx, msg, "could not fetch the photo: "+err.Error())
				return
			}
			parts = append(parts, opencode.FilePart("image/jpeg", dataURL))
		}
	}

	if msg.Voice != nil {
		if b.transcriber == nil {
			b.reply(ctx, msg, "voice transcription is not configured (set OPENAI_API_KEY)")
			return
		}
		transcript, err := b.transcribeVoice(ctx, msg.Voice)
		if err != nil {
			b.logger.Warn("voice transcription failed", "error", err)
			b.reply(ctx, msg, "could not transcribe the voice note: "+err.Error())
			return
		}
		text = strings.TrimSpace(text + "\n" + transcript)
	}

	if strings.TrimSpace(text) != "" {
		parts = append(parts, opencode.TextPart(text))
	}
	if len(parts) == 0 {
		return
	}

	s, err := b.ensureSession(ctx)
	if err != nil {
		b.logger.Warn("session create failed", "error", err)
		b.reply(ctx, msg, "agent unavailable: "+err.Error())
		return
	}
	if err := b.agent.Prompt(ctx, s.ID, parts, s.Model); err != nil {
		b.logger.Warn("prompt submission failed", "error", err)
		b.reply(ctx, msg, "prompt failed: "+err.Error())
		return
	}

	if !s.TitleKnown && strings.TrimSpace(text) != "" {
		go b.generateTitle(context.WithoutCancel(ctx), s, text)
	}
}

func (b *Bridge) transcribeVoice(ctx context.Context, voice *telegram.Voice) (string, error) {
	file, err := b.api.GetFile(ctx, voice.FileID)
	if err != nil {
		return "", err
	}
	audio, err := b.api.Download(ctx, file.FilePath)
	if err != nil {
		return "", err
	}
	return b.transcriber.Transcribe(ctx, audio, "voice.ogg")
}

// generateTitle runs the asynchronous title RPC after the first message of
// a nameless session and applies the result to the session and its topic.
func (b *Bridge) generateTitle(ctx context.Context, s *session, text string) {
	result, err := b.agent.GenerateTitle(ctx, s.ID, text)
	if err != nil {
		b.logger.Warn("title generation failed", "error", err)
		return
	}
	if result.Type != "title" || strings.TrimSpace(result.Value) == "" {
		b.logger.Debug("title generation returned no title", "type", result.Type)
		return
	}
	b.applyTitle(ctx, s, result.Value)
}

// applyTitle renames the session and its forum topic.
func (b *Bridge) applyTitle(ctx context.Context, s *session, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	if err := b.agent.Rename(ctx, s.ID, title); err != nil {
		b.logger.Warn("session rename failed", "error", err)
	}
	threadID := b.projector.ThreadFor(s.ID)
	if threadID != 0 {
		if err := b.api.EditForumTopic(ctx, b.cfg.ChatID, threadID, title); err != nil {
			b.logger.Warn("forum topic rename failed", "error", err)
		}
	}
	b.mu.Lock()
	s.TitleKnown = true
	b.mu.Unlock()
}

// reply posts a short answer into the message's thread.
func (b *Bridge) reply(ctx context.Context, msg *telegram.Message, text string) {
	_, err := b.api.SendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text, &telegram.SendOptions{
		ReplyTo:        msg.MessageID,
		DisablePreview: true,
	})
	if err != nil {
		b.logger.Warn("reply failed", "error", err)
	}
}

// replyText posts without a reply-to anchor (used by command output that
// may outlive the original message).
func (b *Bridge) replyText(ctx context.Context, msg *telegram.Message, text string) {
	_, err := b.api.SendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text, &telegram.SendOptions{
		DisablePreview: true,
	})
	if err != nil {
		b.logger.Warn("send failed", "error", err)
	}
}
