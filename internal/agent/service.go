package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attache-ai/attache/internal/store"
)

// budgetAnswer is the degraded answer returned when the loop exhausts
// its turn budget without the model producing one.
const budgetAnswer = "I wasn't able to finish working on that. Could you rephrase or try again?"

// Rewriter rewrites operator-authored text into conversational form.
// Satisfied by *llm.OpenAIClient.
type Rewriter interface {
	Rewrite(ctx context.Context, history []string, text string) (string, error)
}

// Service is the channel-facing coordinator: it resolves identities,
// applies session policy (staleness, reset), serializes concurrent
// messages per contact, and runs the loop.
type Service struct {
	loop       *Loop
	store      *store.Store
	rewriter   Rewriter
	logger     *slog.Logger
	staleAfter time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a service. staleAfter is how long a conversation
// may be idle before its continuity handle is dropped.
func NewService(loop *Loop, st *store.Store, rewriter Rewriter, staleAfter time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Service{
		loop:       loop,
		store:      st,
		rewriter:   rewriter,
		logger:     logger,
		staleAfter: staleAfter,
		locks:      make(map[string]*sync.Mutex),
	}
}

// HandleFromPhone resolves (or creates) the user for a phone number
// and processes one inbound message. This is the WhatsApp entry point.
func (s *Service) HandleFromPhone(ctx context.Context, phone, text string) (string, error) {
	user, err := s.store.GetOrCreateUser(phone)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return s.HandleInbound(ctx, user, text, "")
}

// HandleInbound processes one inbound message for a resolved user and
// returns the final answer. Messages for the same contact are strictly
// serialized; distinct contacts run in parallel.
func (s *Service) HandleInbound(ctx context.Context, user *store.User, text, conversationID string) (string, error) {
	contact := user.Contact()
	lock := s.contactLock(contact)
	lock.Lock()
	defer lock.Unlock()

	// The caller's user may predate the lock (a queued message, a
	// long-lived websocket). Re-read inside the lock so a credential or
	// continuity handle persisted by the previous holder is never run
	// against, or written over with, a stale snapshot.
	s.refresh(user)

	continuity := user.LastResponseID

	// An idle conversation starts fresh: the model service's context
	// for the old exchange is no longer wanted.
	if continuity != "" {
		if last, ok, err := s.store.LastActivity(contact); err != nil {
			s.logger.Error("staleness check failed", "contact", contact, "error", err)
		} else if ok && time.Since(last) > s.staleAfter {
			s.logger.Info("conversation stale, dropping continuity", "contact", contact, "idle", time.Since(last))
			continuity = ""
			user.LastResponseID = ""
		}
	}

	if err := s.store.AddMessage(&store.Message{
		Contact:        contact,
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        text,
	}); err != nil {
		s.logger.Error("inbound message write failed", "contact", contact, "error", err)
	}

	res, err := s.loop.Run(ctx, user, text, conversationID, continuity)
	answer := ""
	switch {
	case err == nil:
		answer = res.Answer
	case errors.Is(err, ErrTurnBudgetExhausted):
		s.logger.Warn("turn budget exhausted", "contact", contact)
		answer = budgetAnswer
	default:
		return "", err
	}

	if res.Credential != "" {
		user.Token = res.Credential
		if res.Name != "" {
			user.Name = res.Name
		}
		if res.Email != "" {
			user.Email = res.Email
		}
	}
	user.LastResponseID = res.ContinuityID

	// Best-effort: the answer still goes out even if the write-back
	// fails.
	if err := s.store.SaveUser(user); err != nil {
		s.logger.Error("user write-back failed", "contact", contact, "error", err)
	}

	return answer, nil
}

// Reset clears the user's continuity handle and optionally their
// conversation history. The next inbound message behaves as a
// first-ever message.
func (s *Service) Reset(ctx context.Context, user *store.User, wipeHistory bool) error {
	contact := user.Contact()
	lock := s.contactLock(contact)
	lock.Lock()
	defer lock.Unlock()

	s.refresh(user)

	user.LastResponseID = ""
	if err := s.store.SaveUser(user); err != nil {
		return fmt.Errorf("clear continuity: %w", err)
	}
	if wipeHistory {
		if err := s.store.ClearMessages(contact); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
	}
	s.logger.Info("session reset", "contact", contact, "wiped_history", wipeHistory)
	return nil
}

// RewriteOutbound rewrites an operator-authored push message into
// conversational form using the contact's recent history for context.
// On model failure the original text is returned unchanged.
func (s *Service) RewriteOutbound(ctx context.Context, contact, text string) string {
	recent, err := s.store.Recent(contact, 10)
	if err != nil {
		s.logger.Error("history read failed", "contact", contact, "error", err)
	}

	// Oldest first, visible turns only.
	var history []string
	for i := len(recent) - 1; i >= 0; i-- {
		switch recent[i].Role {
		case store.RoleUser:
			history = append(history, "- User: "+recent[i].Content)
		case store.RoleAssistant:
			history = append(history, "- Assistant: "+recent[i].Content)
		}
	}

	rewritten, err := s.rewriter.Rewrite(ctx, history, text)
	if err != nil || rewritten == "" {
		s.logger.Warn("rewrite failed, sending original", "contact", contact, "error", err)
		return text
	}
	return rewritten
}

// refresh overwrites user with its current stored row. Must be called
// with the contact lock held. A read failure keeps the caller's copy;
// the turn proceeds best-effort.
func (s *Service) refresh(user *store.User) {
	fresh, err := s.store.UserByID(user.ID)
	if err != nil {
		s.logger.Error("user refresh failed", "contact", user.Contact(), "error", err)
		return
	}
	if fresh != nil {
		*user = *fresh
	}
}

// contactLock returns the mutex serializing work for one contact.
func (s *Service) contactLock(contact string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[contact]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[contact] = lock
	}
	return lock
}
