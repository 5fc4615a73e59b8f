package repository

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

const (
	defaultHistoryLimit = 50
	statusCompleted     = "completed"
)

// Conversations stores health advisor exchanges and knowledge answers.
type Conversations struct {
	Advice    *Base[*records.Conversation]
	Knowledge *Base[*records.KnowledgeQA]
}

// NewConversations constructs the conversations repository.
func NewConversations(cfg Config) (*Conversations, error) {
	advice, err := NewBase[*records.Conversation](cfg, records.ConversationsTable)
	if err != nil {
		return nil, err
	}
	knowledge, err := NewBase[*records.KnowledgeQA](cfg, records.KnowledgeQATable)
	if err != nil {
		return nil, err
	}
	return &Conversations{Advice: advice, Knowledge: knowledge}, nil
}

// RecordAdvice stores one advisor exchange.
func (c *Conversations) RecordAdvice(ctx context.Context, userID int64, conversation *records.Conversation) (*records.Conversation, error) {
	if strings.TrimSpace(conversation.RequestMessage) == "" {
		return nil, validationError("request_message", "is required")
	}
	if conversation.Status == "" {
		conversation.Status = statusCompleted
	}
	return c.Advice.Create(ctx, conversation, userID)
}

// AdviceHistory returns a user's advisor exchanges, newest first.
func (c *Conversations) AdviceHistory(ctx context.Context, userID int64, limit int) ([]*records.Conversation, error) {
	return c.Advice.FindAll(ctx, historyQuery(userID, limit), false)
}

// RecordAnswer stores one knowledge agent answer.
func (c *Conversations) RecordAnswer(ctx context.Context, userID int64, qa *records.KnowledgeQA) (*records.KnowledgeQA, error) {
	if strings.TrimSpace(qa.Question) == "" {
		return nil, validationError("question", "is required")
	}
	if qa.Status == "" {
		qa.Status = statusCompleted
	}
	return c.Knowledge.Create(ctx, qa, userID)
}

// KnowledgeHistory returns a user's knowledge answers, newest first.
func (c *Conversations) KnowledgeHistory(ctx context.Context, userID int64, limit int) ([]*records.KnowledgeQA, error) {
	return c.Knowledge.FindAll(ctx, historyQuery(userID, limit), false)
}

func historyQuery(userID int64, limit int) store.Query {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return store.Query{
		Conditions: map[string]any{"user_id": userID},
		OrderBy:    "created_at DESC, id DESC",
		Limit:      limit,
	}
}
