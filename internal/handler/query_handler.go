// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ragflow-go/internal/middleware"
	"ragflow-go/internal/service"
	"ragflow-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// QueryHandler 负责把查询管道的事件流暴露为 HTTP/WebSocket 传输。
type QueryHandler struct {
	queryService service.QueryService
}

// NewQueryHandler 创建一个新的 QueryHandler。
func NewQueryHandler(queryService service.QueryService) *QueryHandler {
	return &QueryHandler{queryService: queryService}
}

// Chat 以 NDJSON 流式返回一次查询的事件序列。
// GET /api/v1/chat?query=...&conversation_id=...
func (h *QueryHandler) Chat(c *gin.Context) {
	queryText := c.Query("query")
	if queryText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query 参数不能为空"})
		return
	}
	conversationID := c.Query("conversation_id")
	tenantID := middleware.TenantID(c)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	// 客户端断开时 request context 取消，管道会释放进行中的生成调用
	events := h.queryService.Query(c.Request.Context(), tenantID, queryText, conversationID)
	enc := json.NewEncoder(c.Writer)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			log.Warnf("写入事件流失败: %v", err)
			return
		}
		c.Writer.Flush()
	}
}

// wsQueryRequest 是 WebSocket 消息里的查询请求。
type wsQueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
}

// HandleWebSocket 处理一个传入的 WebSocket 连接。
// 每条消息是一次查询，事件以 JSON 逐条回发；连接关闭会取消进行中的查询。
func (h *QueryHandler) HandleWebSocket(c *gin.Context) {
	tenantID := middleware.TenantID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，租户: %s", tenantID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			return
		}

		var req wsQueryRequest
		if err := json.Unmarshal(message, &req); err != nil || req.Query == "" {
			_ = conn.WriteJSON(gin.H{"error": "无效的查询请求"})
			continue
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		events := h.queryService.Query(ctx, tenantID, req.Query, req.ConversationID)
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("写入 WebSocket 失败: %v", err)
				// 写失败视同消费者放弃，取消管道并排空通道
				cancel()
				for range events {
				}
				return
			}
		}
		cancel()
	}
}
