// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ragflow-go/internal/model"
)

// ErrConversationNotFound 表示对话不存在，或不属于当前租户。
// 两种情况对外不可区分，避免跨租户探测。
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository 定义了对话与消息日志的操作接口。
// 所有操作都带租户校验：一个租户下创建的对话对其它租户不可见。
type ConversationRepository interface {
	// GetOrCreate 按 (conversationID, tenantID) 查找对话，不存在则创建。
	GetOrCreate(ctx context.Context, conversationID, tenantID, title string) (*model.Conversation, error)
	// AppendMessage 向对话追加一条不可变消息。
	AppendMessage(ctx context.Context, conversationID, tenantID, role, content string, refs []model.Reference) (*model.Message, error)
	// RecentMessages 返回最近 limit 条消息，按时间从旧到新排列。
	RecentMessages(ctx context.Context, conversationID, tenantID string, limit int) ([]model.Message, error)
	// History 返回对话的全部消息，从旧到新。
	History(ctx context.Context, conversationID, tenantID string) ([]model.Message, error)
	// ListByTenant 返回租户下的全部对话，按更新时间倒序。
	ListByTenant(ctx context.Context, tenantID string) ([]model.Conversation, error)
	// Delete 删除对话及其消息。
	Delete(ctx context.Context, conversationID, tenantID string) error
}

type mysqlConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &mysqlConversationRepository{db: db}
}

// AutoMigrate 创建对话相关的数据表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Conversation{}, &model.Message{})
}

// findOwned 按租户作用域查找对话，不属于该租户时视同不存在。
func (r *mysqlConversationRepository) findOwned(ctx context.Context, conversationID, tenantID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &conv, nil
}

func (r *mysqlConversationRepository) GetOrCreate(ctx context.Context, conversationID, tenantID, title string) (*model.Conversation, error) {
	conv, err := r.findOwned(ctx, conversationID, tenantID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	// 对话不存在：惰性创建。若 ID 被其它租户占用，Create 会因主键冲突失败，
	// 不会把对话重新挂到当前租户名下。
	conv = &model.Conversation{
		ID:       conversationID,
		TenantID: tenantID,
		Title:    title,
	}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (r *mysqlConversationRepository) AppendMessage(ctx context.Context, conversationID, tenantID, role, content string, refs []model.Reference) (*model.Message, error) {
	if _, err := r.findOwned(ctx, conversationID, tenantID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if err := msg.SetReferences(refs); err != nil {
		return nil, fmt.Errorf("failed to marshal references: %w", err)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		// 追加消息推动对话的 updated_at，用于列表排序
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", tx.NowFunc()).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

func (r *mysqlConversationRepository) RecentMessages(ctx context.Context, conversationID, tenantID string, limit int) ([]model.Message, error) {
	if _, err := r.findOwned(ctx, conversationID, tenantID); err != nil {
		return nil, err
	}

	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}

	// 倒序取窗口后翻转，得到从旧到新的顺序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *mysqlConversationRepository) History(ctx context.Context, conversationID, tenantID string) ([]model.Message, error) {
	if _, err := r.findOwned(ctx, conversationID, tenantID); err != nil {
		return nil, err
	}

	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	return messages, nil
}

func (r *mysqlConversationRepository) ListByTenant(ctx context.Context, tenantID string) ([]model.Conversation, error) {
	var conversations []model.Conversation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

func (r *mysqlConversationRepository) Delete(ctx context.Context, conversationID, tenantID string) error {
	if _, err := r.findOwned(ctx, conversationID, tenantID); err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("id = ? AND tenant_id = ?", conversationID, tenantID).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
}
