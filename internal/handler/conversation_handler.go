package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragflow-go/internal/middleware"
	"ragflow-go/internal/repository"
	"ragflow-go/internal/service"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// List 返回当前租户的全部对话。
func (h *ConversationHandler) List(c *gin.Context) {
	conversations, err := h.service.ListConversations(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取对话列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": conversations})
}

// History 返回一个对话的完整消息历史。
func (h *ConversationHandler) History(c *gin.Context) {
	conversationID := c.Param("conversationId")
	messages, err := h.service.GetHistory(c.Request.Context(), conversationID, middleware.TenantID(c))
	if errors.Is(err, repository.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "对话不存在", "data": nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取对话历史失败", "data": nil})
		return
	}

	type messageDTO struct {
		ID         string      `json:"id"`
		Role       string      `json:"role"`
		Content    string      `json:"content"`
		References interface{} `json:"references,omitempty"`
		CreatedAt  interface{} `json:"createdAt"`
	}
	out := make([]messageDTO, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageDTO{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			References: m.References(),
			CreatedAt:  m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": out})
}

// Delete 删除一个对话及其消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	conversationID := c.Param("conversationId")
	err := h.service.DeleteConversation(c.Request.Context(), conversationID, middleware.TenantID(c))
	if errors.Is(err, repository.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "对话不存在", "data": nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除对话失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}
