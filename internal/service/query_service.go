// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"ragflow-go/internal/config"
	"ragflow-go/internal/model"
	"ragflow-go/internal/repository"
	"ragflow-go/pkg/audit"
	"ragflow-go/pkg/cache"
	"ragflow-go/pkg/embedding"
	"ragflow-go/pkg/llm"
	"ragflow-go/pkg/log"
	"ragflow-go/pkg/rerank"
	"ragflow-go/pkg/vector"
)

// 默认系统提示：要求按 [n] 编号引用，上下文不支持时拒答。
const defaultPromptRules = "You are a helpful assistant. Use the provided context to answer the query. " +
	"Use inline citations in the format [1], [2], etc. " +
	"If the answer is not supported by the context, say you don't know instead of guessing. " +
	"Maintain a conversational tone and acknowledge previous context if relevant."

// QueryService 定义了查询管道的入口。
type QueryService interface {
	// Query 执行一次完整的检索增强查询，返回有序的事件流。
	// 通道无缓冲：消费慢时生产端阻塞，背压自然传导；消费者取消
	// ctx 即放弃事件流，进行中的生成调用随之释放。
	Query(ctx context.Context, tenantID, queryText, conversationID string) <-chan model.QueryEvent
}

type queryService struct {
	embedder    embedding.Client
	generator   llm.Client
	store       cache.Store
	index       vector.Index
	reranker    rerank.Reranker
	convRepo    repository.ConversationRepository
	auditor     audit.Logger
	cfg         config.RAGConfig
	promptRules string
}

// NewQueryService 创建查询管道。所有协作方通过参数注入，便于用假实现做隔离测试。
func NewQueryService(
	embedder embedding.Client,
	generator llm.Client,
	store cache.Store,
	index vector.Index,
	reranker rerank.Reranker,
	convRepo repository.ConversationRepository,
	auditor audit.Logger,
	cfg config.RAGConfig,
	promptRules string,
) QueryService {
	if promptRules == "" {
		promptRules = defaultPromptRules
	}
	return &queryService{
		embedder:    embedder,
		generator:   generator,
		store:       store,
		index:       index,
		reranker:    reranker,
		convRepo:    convRepo,
		auditor:     auditor,
		cfg:         cfg,
		promptRules: promptRules,
	}
}

func (s *queryService) Query(ctx context.Context, tenantID, queryText, conversationID string) <-chan model.QueryEvent {
	events := make(chan model.QueryEvent)
	go func() {
		defer close(events)
		s.run(ctx, tenantID, queryText, conversationID, events)
	}()
	return events
}

// emit 把事件推给消费者；消费者已取消时返回 false。
func emit(ctx context.Context, events chan<- model.QueryEvent, ev model.QueryEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func emitError(ctx context.Context, events chan<- model.QueryEvent, kind string, err error) {
	emit(ctx, events, model.QueryEvent{
		Type:    model.EventError,
		Kind:    kind,
		Message: err.Error(),
	})
}

// run 按固定顺序执行管道，每一步都是潜在的失败点。
func (s *queryService) run(ctx context.Context, tenantID, queryText, conversationID string, events chan<- model.QueryEvent) {
	// 1. 会话上下文：查找或创建对话，立即落库用户消息。
	var histCh chan []model.Message
	if conversationID != "" {
		if _, err := s.convRepo.GetOrCreate(ctx, conversationID, tenantID, conversationTitle(queryText)); err != nil {
			// 会话层故障不阻断问答，本次退化为无历史、无持久化
			log.Errorf("获取或创建对话失败 (tenant=%s, conversation=%s): %v", tenantID, conversationID, err)
			conversationID = ""
		}
	}
	if conversationID != "" {
		// 用户消息先写入：即使管道中途失败，这一轮提问也被保留
		userMsg, err := s.convRepo.AppendMessage(ctx, conversationID, tenantID, model.RoleUser, queryText, nil)
		if err != nil {
			log.Errorf("写入用户消息失败 (conversation=%s): %v", conversationID, err)
		}

		// 历史窗口在写入之后读取并剔除刚写入的这条，窗口只含之前的消息；
		// 读取与向量化没有数据依赖，并行执行以降低延迟。
		histCh = make(chan []model.Message, 1)
		go func() {
			limit := s.cfg.HistoryWindow
			if userMsg != nil {
				limit++
			}
			msgs, err := s.convRepo.RecentMessages(ctx, conversationID, tenantID, limit)
			if err != nil {
				log.Errorf("读取对话历史失败 (conversation=%s): %v", conversationID, err)
			}
			if userMsg != nil {
				kept := msgs[:0]
				for _, m := range msgs {
					if m.ID != userMsg.ID {
						kept = append(kept, m)
					}
				}
				msgs = kept
			}
			histCh <- msgs
		}()
	}

	// 2. 查询向量化。失败则本次查询无法检索，属致命错误。
	queryVector, err := s.embedder.EmbedText(ctx, queryText)
	if err != nil {
		emitError(ctx, events, model.ErrEmbeddingFailed, fmt.Errorf("failed to embed query: %w", err))
		return
	}

	// 3. 指纹与缓存。命中即短路：不再执行后续阶段，也不重复写助手消息。
	fingerprint := cache.Fingerprint(queryText)

	s.auditor.Log(ctx, audit.Event{
		TenantID: tenantID,
		Action:   audit.ActionRetrievalQuery,
		Payload: map[string]interface{}{
			"query":           queryText,
			"conversation_id": conversationID,
		},
	})

	cached, err := s.store.Get(ctx, tenantID, fingerprint)
	if err != nil {
		// 缓存故障按未命中处理
		log.Warnf("查询应答缓存失败 (tenant=%s): %v", tenantID, err)
	}
	if cached != nil {
		emit(ctx, events, model.QueryEvent{
			Type:    model.EventCacheHit,
			Content: json.RawMessage(cached),
		})
		return
	}

	// 4. 向量召回，租户过滤由索引客户端强制注入。
	docs, err := s.index.Search(ctx, tenantID, queryVector, s.cfg.RecallLimit, s.cfg.ScoreThreshold)
	if err != nil {
		emitError(ctx, events, model.ErrRetrievalFailed, fmt.Errorf("vector search failed: %w", err))
		return
	}

	// 5. 重排序并截断到 TopK。
	reranked, err := s.reranker.Rerank(ctx, queryText, docs, s.cfg.TopK)
	if err != nil {
		emitError(ctx, events, model.ErrRerankFailed, fmt.Errorf("rerank failed: %w", err))
		return
	}

	// 6. 组装提示词：编号上下文 + 历史 + 原始问句。
	var history []model.Message
	if histCh != nil {
		history = <-histCh
	}
	prompt := buildPrompt(queryText, reranked, history)

	// 7. 流式生成，分块即时转发。
	stream, err := s.generator.GenerateStream(ctx, prompt, s.promptRules)
	if err != nil {
		emitError(ctx, events, model.ErrGenerationFailed, fmt.Errorf("failed to start generation: %w", err))
		return
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				// 消费者取消带崩了生成流，不再追加 error 事件
				return
			}
			// 已送达的分块不回收，流以 error 事件结束
			emitError(ctx, events, model.ErrGenerationFailed, fmt.Errorf("generation stream failed: %w", recvErr))
			return
		}
		answer.WriteString(chunk)
		if !emit(ctx, events, model.QueryEvent{Type: model.EventContent, Chunk: chunk}) {
			// 消费者中途放弃：按约定丢弃部分回答，不落库助手消息
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	references := buildReferences(reranked)
	sources := buildSourceMaterial(reranked)
	fullAnswer := answer.String()

	// 收尾写入使用独立上下文：生成已完成，即使消费者此刻断开也要保住结果
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()

	// 8. 落库助手消息（含引用）。失败只记录，不中断已送出的内容流。
	if conversationID != "" {
		if _, err := s.convRepo.AppendMessage(persistCtx, conversationID, tenantID, model.RoleAssistant, fullAnswer, references); err != nil {
			log.Errorf("写入助手消息失败 (conversation=%s): %v", conversationID, err)
		}
	}

	// 9. 写回应答缓存（可配置）。缓存完整响应包，保证命中与实时执行等价。
	if s.cfg.CacheWrite {
		payload, err := json.Marshal(model.CachedResponse{
			Answer:         fullAnswer,
			References:     references,
			SourceMaterial: sources,
		})
		if err == nil {
			ttl := time.Duration(s.cfg.CacheTTLSeconds) * time.Second
			if err := s.store.Set(persistCtx, tenantID, fingerprint, payload, ttl); err != nil {
				log.Warnf("写入应答缓存失败 (tenant=%s): %v", tenantID, err)
			}
		}
	}

	// 10. 评估影子采样：租户开关打开时发射 (query, answer, contexts) 三元组。
	//     尽力而为，任何失败都不影响用户可见的结果。
	s.maybeShadowSample(persistCtx, tenantID, queryText, fullAnswer, reranked)

	// 11. 最后两个事件：引用列表与去重后的来源资料。
	if !emit(ctx, events, model.QueryEvent{Type: model.EventReferences, Content: references}) {
		return
	}
	emit(ctx, events, model.QueryEvent{Type: model.EventSourceMaterial, Content: sources})
}

func (s *queryService) maybeShadowSample(ctx context.Context, tenantID, query, answer string, contexts []model.RetrievedDocument) {
	enabled, err := s.store.EvalSamplingEnabled(ctx, tenantID)
	if err != nil {
		log.Warnf("读取评估采样开关失败 (tenant=%s): %v", tenantID, err)
		return
	}
	if !enabled {
		return
	}

	contextTexts := make([]string, 0, len(contexts))
	for _, doc := range contexts {
		contextTexts = append(contextTexts, doc.Text)
	}
	s.auditor.Log(ctx, audit.Event{
		TenantID: tenantID,
		Action:   audit.ActionEvaluationShadow,
		Payload: map[string]interface{}{
			"query":    query,
			"answer":   answer,
			"contexts": contextTexts,
		},
	})
	log.Infof("已触发租户 %s 的后台质量评估采样", tenantID)
}

// buildPrompt 构建编号上下文块（1 起始，按重排序顺序）+ 历史块 + 原始问句。
func buildPrompt(queryText string, docs []model.RetrievedDocument, history []model.Message) string {
	var contextBuilder strings.Builder
	for i, doc := range docs {
		if i > 0 {
			contextBuilder.WriteString("\n\n")
		}
		contextBuilder.WriteString(fmt.Sprintf("[%d] %s", i+1, doc.Text))
	}

	var historyBuilder strings.Builder
	for i, msg := range history {
		if i > 0 {
			historyBuilder.WriteString("\n")
		}
		historyBuilder.WriteString(msg.Role)
		historyBuilder.WriteString(": ")
		historyBuilder.WriteString(msg.Content)
	}

	return fmt.Sprintf("Context Material:\n%s\n\nRecent Chat History:\n%s\n\nUser Query: %s",
		contextBuilder.String(), historyBuilder.String(), queryText)
}

// buildReferences 按重排序顺序生成 1 起始编号的引用列表。
func buildReferences(docs []model.RetrievedDocument) []model.Reference {
	references := make([]model.Reference, 0, len(docs))
	for i, doc := range docs {
		references = append(references, model.Reference{
			Index:    i + 1,
			Text:     doc.Text,
			Metadata: doc.Metadata,
		})
	}
	return references
}

// buildSourceMaterial 按来源名去重，保留首次出现的顺序。
func buildSourceMaterial(docs []model.RetrievedDocument) []model.SourceMaterial {
	sources := make([]model.SourceMaterial, 0, len(docs))
	seen := map[string]struct{}{}
	for _, doc := range docs {
		name := "unknown"
		url := "#"
		if doc.Metadata != nil {
			if v, ok := doc.Metadata["filename"].(string); ok && v != "" {
				name = v
			}
			if v, ok := doc.Metadata["file_url"].(string); ok && v != "" {
				url = v
			}
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, model.SourceMaterial{Name: name, URL: url})
	}
	return sources
}

// conversationTitle 用首个问句的前缀做对话标题。
func conversationTitle(queryText string) string {
	runes := []rune(queryText)
	if len(runes) > 20 {
		return string(runes[:20]) + "..."
	}
	return queryText
}
