package model

// RetrievedDocument 是向量索引返回的单条候选文档，仅在一次查询执行内有效。
// Score 是索引原生量纲下的相似度分数，降序排列。
type RetrievedDocument struct {
	ID       string                 `json:"id"`
	Score    float64                `json:"score"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// IndexedDocument 定义了存储在 Elasticsearch 向量索引中的文档结构。
// TenantID 由客户端在写入时强制写入，调用方提供的同名字段会被覆盖。
type IndexedDocument struct {
	TenantID string                 `json:"tenant_id"`
	Text     string                 `json:"text"`
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
