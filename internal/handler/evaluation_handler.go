package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ragflow-go/internal/middleware"
	"ragflow-go/pkg/cache"
)

// EvaluationHandler 管理当前租户的评估影子采样开关。
type EvaluationHandler struct {
	store cache.Store
}

// NewEvaluationHandler 创建一个新的 EvaluationHandler。
func NewEvaluationHandler(store cache.Store) *EvaluationHandler {
	return &EvaluationHandler{store: store}
}

type samplingRequest struct {
	Enabled bool `json:"enabled"`
}

// GetSampling 查询当前租户的影子采样开关。
func (h *EvaluationHandler) GetSampling(c *gin.Context) {
	enabled, err := h.store.EvalSamplingEnabled(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取采样开关失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"enabled": enabled}})
}

// SetSampling 设置当前租户的影子采样开关。
func (h *EvaluationHandler) SetSampling(c *gin.Context) {
	var req samplingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求体", "data": nil})
		return
	}
	if err := h.store.SetEvalSampling(c.Request.Context(), middleware.TenantID(c), req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "更新采样开关失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"enabled": req.Enabled}})
}
