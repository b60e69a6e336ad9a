package stream

import (
	"context"
	"time"
)

// Typing handles are scoped resources: every terminal session event must
// release them, including error paths, or the chat shows a phantom
// "typing…" forever. Tool-mode handles also carry a defensive inactivity
// timeout in case a tool dies without a step-finish.

func (p *Projector) ensureTyping(ctx context.Context, s *sessionState, mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.typingMode == mode && s.typing != nil {
		p.touchToolExpiryLocked(s)
		return
	}
	p.stopTypingLocked(s)
	interval := typingIdleInterval
	if mode == "tool" {
		interval = typingToolInterval
	}
	s.typing = p.sender.StartTyping(ctx, p.chatID, s.threadID, interval)
	s.typingMode = mode
	p.touchToolExpiryLocked(s)
}

func (p *Projector) touchToolExpiryLocked(s *sessionState) {
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
		s.typingExpiry = nil
	}
	if s.typingMode != "tool" {
		return
	}
	s.typingExpiry = time.AfterFunc(typingToolTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if s.typingMode == "tool" {
			p.stopTypingLocked(s)
		}
	})
}

func (p *Projector) stopTyping(s *sessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTypingLocked(s)
}

func (p *Projector) stopTypingLocked(s *sessionState) {
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
		s.typingExpiry = nil
	}
	if s.typing != nil {
		s.typing.Release()
		s.typing = nil
	}
	s.typingMode = ""
}

// releaseToolTyping drops a tool-mode handle at step-finish; an idle-mode
// handle stays up until the session goes idle.
func (p *Projector) releaseToolTyping(s *sessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.typingMode == "tool" {
		p.stopTypingLocked(s)
	}
}

// ReleaseAll drops every typing handle; called on shutdown.
func (p *Projector) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		p.stopTypingLocked(s)
	}
}
