package model

import (
	"encoding/json"
	"time"
)

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation 代表一个租户下的一次多轮对话。
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	TenantID  string    `gorm:"size:64;index;not null" json:"tenantId"`
	Title     string    `gorm:"size:255" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 是对话中的一条消息，写入后不可变。
// assistant 消息会携带生成该条回答时使用的引用列表。
type Message struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string    `gorm:"size:64;index;not null" json:"conversationId"`
	Role           string    `gorm:"size:16;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ReferencesJSON string    `gorm:"type:json" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// References 反序列化消息携带的引用列表，user 消息返回 nil。
func (m *Message) References() []Reference {
	if m.ReferencesJSON == "" {
		return nil
	}
	var refs []Reference
	if err := json.Unmarshal([]byte(m.ReferencesJSON), &refs); err != nil {
		return nil
	}
	return refs
}

// SetReferences 序列化并挂载引用列表。
func (m *Message) SetReferences(refs []Reference) error {
	if len(refs) == 0 {
		m.ReferencesJSON = ""
		return nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	m.ReferencesJSON = string(b)
	return nil
}
