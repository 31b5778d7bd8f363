package service

import (
	"context"

	"ragflow-go/internal/model"
	"ragflow-go/internal/repository"
)

// ConversationService 定义了对话管理的业务逻辑接口，所有操作按租户隔离。
type ConversationService interface {
	ListConversations(ctx context.Context, tenantID string) ([]model.Conversation, error)
	GetHistory(ctx context.Context, conversationID, tenantID string) ([]model.Message, error)
	DeleteConversation(ctx context.Context, conversationID, tenantID string) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

func (s *conversationService) ListConversations(ctx context.Context, tenantID string) ([]model.Conversation, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

func (s *conversationService) GetHistory(ctx context.Context, conversationID, tenantID string) ([]model.Message, error) {
	return s.repo.History(ctx, conversationID, tenantID)
}

func (s *conversationService) DeleteConversation(ctx context.Context, conversationID, tenantID string) error {
	return s.repo.Delete(ctx, conversationID, tenantID)
}
