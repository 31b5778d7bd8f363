// Package model 包含了应用的数据模型定义。
package model

// 查询事件的 wire 标签。消费端应忽略未知标签。
const (
	EventCacheHit       = "cache_hit"
	EventContent        = "content"
	EventReferences     = "references"
	EventSourceMaterial = "source_material"
	EventError          = "error"
)

// 错误事件的 kind 标签。
const (
	ErrEmbeddingFailed  = "embedding_failed"
	ErrRetrievalFailed  = "retrieval_failed"
	ErrRerankFailed     = "rerank_failed"
	ErrGenerationFailed = "generation_failed"
)

// QueryEvent 是查询管道向消费者产出的单个事件。
// 序列化后形如 {"type":"content","chunk":"..."}。
type QueryEvent struct {
	Type    string      `json:"type"`
	Chunk   string      `json:"chunk,omitempty"`
	Content interface{} `json:"content,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Reference 是一条 1 起始编号的引用，顺序与重排序后的文档一致。
type Reference struct {
	Index    int                    `json:"index"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SourceMaterial 是按来源名去重后的原始资料条目。
type SourceMaterial struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CachedResponse 是写入应答缓存的完整响应包，
// 缓存命中时原样返回，保证与实时执行的响应等价。
type CachedResponse struct {
	Answer         string           `json:"answer"`
	References     []Reference      `json:"references"`
	SourceMaterial []SourceMaterial `json:"source_material"`
}
