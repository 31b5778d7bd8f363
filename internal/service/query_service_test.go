package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragflow-go/internal/config"
	"ragflow-go/internal/model"
	"ragflow-go/internal/repository"
	"ragflow-go/pkg/audit"
	"ragflow-go/pkg/cache"
	"ragflow-go/pkg/llm"
)

// ---- 假协作方 ----

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	return nil, errors.New("not supported")
}

type fakeStream struct {
	ctx      context.Context
	chunks   []string
	pos      int
	err      error // 在 chunks 耗尽后返回，代替 io.EOF
	infinite bool
	closed   bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.ctx != nil && s.ctx.Err() != nil {
		return "", s.ctx.Err()
	}
	if s.infinite {
		return "x ", nil
	}
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeGenerator struct {
	chunks     []string
	startErr   error
	streamErr  error
	infinite   bool
	lastPrompt string
	lastSystem string
	lastStream *fakeStream
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	return "", errors.New("not used by the pipeline")
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt, systemPrompt string) (llm.Stream, error) {
	f.lastPrompt = prompt
	f.lastSystem = systemPrompt
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastStream = &fakeStream{ctx: ctx, chunks: f.chunks, err: f.streamErr, infinite: f.infinite}
	return f.lastStream, nil
}

type fakeCacheStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	flags   map[string]bool
	getErr  error
	setErr  error
	sets    int
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{
		entries: map[string][]byte{},
		flags:   map[string]bool{},
	}
}

func (f *fakeCacheStore) key(tenantID, fingerprint string) string {
	return tenantID + ":" + fingerprint
}

func (f *fakeCacheStore) Get(ctx context.Context, tenantID, fingerprint string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[f.key(tenantID, fingerprint)], nil
}

func (f *fakeCacheStore) Set(ctx context.Context, tenantID, fingerprint string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	f.entries[f.key(tenantID, fingerprint)] = value
	return nil
}

func (f *fakeCacheStore) EvalSamplingEnabled(ctx context.Context, tenantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[tenantID], nil
}

func (f *fakeCacheStore) SetEvalSampling(ctx context.Context, tenantID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[tenantID] = enabled
	return nil
}

type fakeIndex struct {
	mu   sync.Mutex
	docs map[string][]model.RetrievedDocument // tenant -> docs
	err  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[string][]model.RetrievedDocument{}}
}

func (f *fakeIndex) Search(ctx context.Context, tenantID string, vector []float32, limit int, scoreThreshold float64) ([]model.RetrievedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	docs := f.docs[tenantID]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, tenantID string, vector []float32, payload map[string]interface{}, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, _ := payload["text"].(string)
	metadata, _ := payload["metadata"].(map[string]interface{})
	f.docs[tenantID] = append(f.docs[tenantID], model.RetrievedDocument{
		ID: docID, Score: 0.9, Text: text, Metadata: metadata,
	})
	return nil
}

type fakeReranker struct {
	err error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []model.RetrievedDocument, topK int) ([]model.RetrievedDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topK > len(documents) {
		topK = len(documents)
	}
	return documents[:topK], nil
}

type fakeConvRepo struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	appendErr     error
	seq           int
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		conversations: map[string]*model.Conversation{},
		messages:      map[string][]model.Message{},
	}
}

func (f *fakeConvRepo) owned(conversationID, tenantID string) error {
	conv, ok := f.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return repository.ErrConversationNotFound
	}
	return nil
}

func (f *fakeConvRepo) GetOrCreate(ctx context.Context, conversationID, tenantID, title string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.conversations[conversationID]; ok {
		if conv.TenantID != tenantID {
			return nil, repository.ErrConversationNotFound
		}
		return conv, nil
	}
	conv := &model.Conversation{ID: conversationID, TenantID: tenantID, Title: title}
	f.conversations[conversationID] = conv
	return conv, nil
}

func (f *fakeConvRepo) AppendMessage(ctx context.Context, conversationID, tenantID, role, content string, refs []model.Reference) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if err := f.owned(conversationID, tenantID); err != nil {
		return nil, err
	}
	f.seq++
	msg := model.Message{
		ID:             fmt.Sprintf("msg-%d", f.seq),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := msg.SetReferences(refs); err != nil {
		return nil, err
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return &msg, nil
}

func (f *fakeConvRepo) RecentMessages(ctx context.Context, conversationID, tenantID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.owned(conversationID, tenantID); err != nil {
		return nil, err
	}
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeConvRepo) History(ctx context.Context, conversationID, tenantID string) ([]model.Message, error) {
	return f.RecentMessages(ctx, conversationID, tenantID, 1<<30)
}

func (f *fakeConvRepo) ListByTenant(ctx context.Context, tenantID string) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, conv := range f.conversations {
		if conv.TenantID == tenantID {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (f *fakeConvRepo) Delete(ctx context.Context, conversationID, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.owned(conversationID, tenantID); err != nil {
		return err
	}
	delete(f.conversations, conversationID)
	delete(f.messages, conversationID)
	return nil
}

func (f *fakeConvRepo) roleCounts(conversationID string) (users, assistants int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[conversationID] {
		switch m.Role {
		case model.RoleUser:
			users++
		case model.RoleAssistant:
			assistants++
		}
	}
	return
}

type fakeAuditLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAuditLogger) Log(ctx context.Context, event audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeAuditLogger) byAction(action string) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Event
	for _, e := range f.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// ---- 测试脚手架 ----

type pipelineFixture struct {
	embedder  *fakeEmbedder
	generator *fakeGenerator
	store     *fakeCacheStore
	index     *fakeIndex
	reranker  *fakeReranker
	repo      *fakeConvRepo
	auditor   *fakeAuditLogger
	cfg       config.RAGConfig
}

func newFixture() *pipelineFixture {
	return &pipelineFixture{
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{chunks: []string{"Hello ", "world"}},
		store:     newFakeCacheStore(),
		index:     newFakeIndex(),
		reranker:  &fakeReranker{},
		repo:      newFakeConvRepo(),
		auditor:   &fakeAuditLogger{},
		cfg: config.RAGConfig{
			RecallLimit:     20,
			TopK:            5,
			ScoreThreshold:  0.5,
			HistoryWindow:   10,
			CacheTTLSeconds: 3600,
			CacheWrite:      true,
		},
	}
}

func (f *pipelineFixture) service() QueryService {
	return NewQueryService(f.embedder, f.generator, f.store, f.index, f.reranker, f.repo, f.auditor, f.cfg, "")
}

func (f *pipelineFixture) seedDocs(tenantID string, docs ...model.RetrievedDocument) {
	f.index.docs[tenantID] = append(f.index.docs[tenantID], docs...)
}

func collect(events <-chan model.QueryEvent) []model.QueryEvent {
	var out []model.QueryEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func typesOf(events []model.QueryEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func policyDocs() []model.RetrievedDocument {
	return []model.RetrievedDocument{
		{ID: "d1", Score: 0.93, Text: "Refunds are accepted within 30 days.", Metadata: map[string]interface{}{"filename": "policy.pdf", "file_url": "https://files.test/policy.pdf"}},
		{ID: "d2", Score: 0.88, Text: "Refunds require the original receipt.", Metadata: map[string]interface{}{"filename": "policy.pdf", "file_url": "https://files.test/policy.pdf"}},
		{ID: "d3", Score: 0.71, Text: "Shipping takes 3-5 business days.", Metadata: map[string]interface{}{"filename": "shipping.md", "file_url": "https://files.test/shipping.md"}},
	}
}

// ---- 测试 ----

func TestQueryEmitsOrderedEventStream(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)

	events := collect(f.service().Query(context.Background(), "t1", "What is the refund policy?", "c1"))

	require.Equal(t, []string{
		model.EventContent, model.EventContent,
		model.EventReferences, model.EventSourceMaterial,
	}, typesOf(events))

	assert.Equal(t, "Hello ", events[0].Chunk)
	assert.Equal(t, "world", events[1].Chunk)

	// 引用从 1 起编号，顺序与重排序结果一致
	refs := events[2].Content.([]model.Reference)
	require.Len(t, refs, 3)
	for i, ref := range refs {
		assert.Equal(t, i+1, ref.Index)
	}
	assert.Equal(t, "Refunds are accepted within 30 days.", refs[0].Text)

	// 用户消息与助手消息均已落库，助手消息携带引用
	users, assistants := f.repo.roleCounts("c1")
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, assistants)

	msgs, err := f.repo.History(context.Background(), "c1", "t1")
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, "Hello world", last.Content)
	assert.Len(t, last.References(), 3)

	// 管道起点发射了审计事件
	require.Len(t, f.auditor.byAction(audit.ActionRetrievalQuery), 1)
}

func TestSourceMaterialDeduplicatedFirstSeenOrder(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)

	events := collect(f.service().Query(context.Background(), "t1", "refund policy", ""))
	last := events[len(events)-1]
	require.Equal(t, model.EventSourceMaterial, last.Type)

	sources := last.Content.([]model.SourceMaterial)
	require.Len(t, sources, 2)
	assert.Equal(t, "policy.pdf", sources[0].Name)
	assert.Equal(t, "shipping.md", sources[1].Name)
}

func TestCacheHitShortCircuits(t *testing.T) {
	f := newFixture()
	cached, _ := json.Marshal(model.CachedResponse{Answer: "cached answer"})
	f.store.entries[f.store.key("t1", cache.Fingerprint("repeat question"))] = cached

	events := collect(f.service().Query(context.Background(), "t1", "repeat question", "c1"))

	require.Len(t, events, 1)
	assert.Equal(t, model.EventCacheHit, events[0].Type)
	assert.JSONEq(t, string(cached), string(events[0].Content.(json.RawMessage)))

	// 命中时仍写入用户消息（发生在缓存检查之前），但不会重复写助手消息
	users, assistants := f.repo.roleCounts("c1")
	assert.Equal(t, 1, users)
	assert.Equal(t, 0, assistants)
}

func TestCacheIsTenantScoped(t *testing.T) {
	f := newFixture()
	f.seedDocs("t2", policyDocs()[0])
	cached, _ := json.Marshal(model.CachedResponse{Answer: "tenant-1 answer"})
	f.store.entries[f.store.key("t1", cache.Fingerprint("same question"))] = cached

	// 相同问题、不同租户：t2 不应命中 t1 的缓存
	events := collect(f.service().Query(context.Background(), "t2", "same question", ""))
	assert.NotEqual(t, model.EventCacheHit, events[0].Type)
}

func TestRepeatedQueryHitsWrittenCache(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	svc := f.service()

	first := collect(svc.Query(context.Background(), "t1", "What is the refund policy?", ""))
	require.Equal(t, model.EventSourceMaterial, first[len(first)-1].Type)
	require.Equal(t, 1, f.store.sets)

	second := collect(svc.Query(context.Background(), "t1", "What is the refund policy?", ""))
	require.Len(t, second, 1)
	require.Equal(t, model.EventCacheHit, second[0].Type)

	// 缓存的是完整响应包，命中与实时执行等价
	var envelope model.CachedResponse
	require.NoError(t, json.Unmarshal(second[0].Content.(json.RawMessage), &envelope))
	assert.Equal(t, "Hello world", envelope.Answer)
	assert.Len(t, envelope.References, 3)
	assert.Len(t, envelope.SourceMaterial, 2)
}

func TestCacheWriteDisabled(t *testing.T) {
	f := newFixture()
	f.cfg.CacheWrite = false
	f.seedDocs("t1", policyDocs()...)

	collect(f.service().Query(context.Background(), "t1", "refund policy", ""))
	assert.Equal(t, 0, f.store.sets)
}

func TestEmbeddingFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("model unavailable")

	events := collect(f.service().Query(context.Background(), "t1", "any question", "c1"))

	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.Equal(t, model.ErrEmbeddingFailed, events[0].Kind)

	// 第 1 步写入的用户消息不回滚
	users, _ := f.repo.roleCounts("c1")
	assert.Equal(t, 1, users)
}

func TestRetrievalFailureEndsStream(t *testing.T) {
	f := newFixture()
	f.index.err = errors.New("index unavailable")

	events := collect(f.service().Query(context.Background(), "t1", "any question", ""))

	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.Equal(t, model.ErrRetrievalFailed, events[0].Kind)
}

func TestRerankFailureEndsStream(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	f.reranker.err = errors.New("reranker down")

	events := collect(f.service().Query(context.Background(), "t1", "any question", ""))

	require.Len(t, events, 1)
	assert.Equal(t, model.ErrRerankFailed, events[0].Kind)
}

func TestGenerationStartFailureEndsStream(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	f.generator.startErr = errors.New("provider error")

	events := collect(f.service().Query(context.Background(), "t1", "any question", ""))

	require.Len(t, events, 1)
	assert.Equal(t, model.ErrGenerationFailed, events[0].Kind)
}

func TestGenerationMidStreamFailureAppendsErrorAfterContent(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	f.generator.chunks = []string{"partial "}
	f.generator.streamErr = errors.New("stream truncated")

	events := collect(f.service().Query(context.Background(), "t1", "any question", "c1"))

	// 已送出的分块保留，流以 error 事件结束
	require.Equal(t, []string{model.EventContent, model.EventError}, typesOf(events))
	assert.Equal(t, model.ErrGenerationFailed, events[1].Kind)

	// 不完整的回答不落库
	_, assistants := f.repo.roleCounts("c1")
	assert.Equal(t, 0, assistants)
	assert.Equal(t, 0, f.store.sets)
}

func TestNoMatchingDocumentsYieldsEmptyReferences(t *testing.T) {
	f := newFixture()
	// 索引为空：没有任何该租户的文档
	f.generator.chunks = []string{"I don't know based on the provided context."}

	events := collect(f.service().Query(context.Background(), "t1", "What is the refund policy?", "c1"))

	require.Equal(t, []string{model.EventContent, model.EventReferences, model.EventSourceMaterial}, typesOf(events))
	assert.Empty(t, events[1].Content.([]model.Reference))
	assert.Empty(t, events[2].Content.([]model.SourceMaterial))
}

func TestPersistenceFailureDoesNotAbortStream(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	f.repo.appendErr = errors.New("database down")

	events := collect(f.service().Query(context.Background(), "t1", "refund policy", "c1"))

	// 会话层故障只记录日志，事件流完整结束
	last := events[len(events)-1]
	assert.Equal(t, model.EventSourceMaterial, last.Type)
}

func TestHistoryAndContextInjectedIntoPrompt(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	_, err := f.repo.GetOrCreate(context.Background(), "c1", "t1", "earlier")
	require.NoError(t, err)
	_, err = f.repo.AppendMessage(context.Background(), "c1", "t1", model.RoleUser, "do you ship abroad?", nil)
	require.NoError(t, err)
	_, err = f.repo.AppendMessage(context.Background(), "c1", "t1", model.RoleAssistant, "yes, worldwide", nil)
	require.NoError(t, err)

	collect(f.service().Query(context.Background(), "t1", "and refunds?", "c1"))

	assert.Contains(t, f.generator.lastPrompt, "[1] Refunds are accepted within 30 days.")
	assert.Contains(t, f.generator.lastPrompt, "user: do you ship abroad?")
	assert.Contains(t, f.generator.lastPrompt, "assistant: yes, worldwide")
	assert.Contains(t, f.generator.lastPrompt, "User Query: and refunds?")
	assert.Contains(t, f.generator.lastSystem, "citations")
}

// gatedHistoryRepo 强制最不利的调度：历史读取总是等到本轮用户消息
// 写入完成之后才返回。
type gatedHistoryRepo struct {
	*fakeConvRepo
	userWritten chan struct{}
}

func (g *gatedHistoryRepo) AppendMessage(ctx context.Context, conversationID, tenantID, role, content string, refs []model.Reference) (*model.Message, error) {
	msg, err := g.fakeConvRepo.AppendMessage(ctx, conversationID, tenantID, role, content, refs)
	if role == model.RoleUser {
		select {
		case <-g.userWritten:
		default:
			close(g.userWritten)
		}
	}
	return msg, err
}

func (g *gatedHistoryRepo) RecentMessages(ctx context.Context, conversationID, tenantID string, limit int) ([]model.Message, error) {
	<-g.userWritten
	return g.fakeConvRepo.RecentMessages(ctx, conversationID, tenantID, limit)
}

func TestHistoryWindowExcludesCurrentQuestion(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	_, err := f.repo.GetOrCreate(context.Background(), "c1", "t1", "earlier")
	require.NoError(t, err)
	_, err = f.repo.AppendMessage(context.Background(), "c1", "t1", model.RoleUser, "do you ship abroad?", nil)
	require.NoError(t, err)
	_, err = f.repo.AppendMessage(context.Background(), "c1", "t1", model.RoleAssistant, "yes, worldwide", nil)
	require.NoError(t, err)

	gated := &gatedHistoryRepo{fakeConvRepo: f.repo, userWritten: make(chan struct{})}
	svc := NewQueryService(f.embedder, f.generator, f.store, f.index, f.reranker, gated, f.auditor, f.cfg, "")

	events := collect(svc.Query(context.Background(), "t1", "and what about refunds?", "c1"))
	require.Equal(t, model.EventSourceMaterial, events[len(events)-1].Type)

	// 历史块只包含之前的轮次，本轮提问只出现在 User Query 里
	assert.Contains(t, f.generator.lastPrompt, "user: do you ship abroad?")
	assert.Contains(t, f.generator.lastPrompt, "assistant: yes, worldwide")
	assert.NotContains(t, f.generator.lastPrompt, "user: and what about refunds?")
	assert.Contains(t, f.generator.lastPrompt, "User Query: and what about refunds?")
}

func TestShadowSamplingEmitsRecordWhenEnabled(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	require.NoError(t, f.store.SetEvalSampling(context.Background(), "t1", true))

	collect(f.service().Query(context.Background(), "t1", "refund policy", ""))

	records := f.auditor.byAction(audit.ActionEvaluationShadow)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TenantID)
	assert.Equal(t, "refund policy", records[0].Payload["query"])
	assert.Equal(t, "Hello world", records[0].Payload["answer"])
	contexts := records[0].Payload["contexts"].([]string)
	assert.Len(t, contexts, 3)
}

func TestShadowSamplingSkippedWhenDisabled(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)

	collect(f.service().Query(context.Background(), "t1", "refund policy", ""))

	assert.Empty(t, f.auditor.byAction(audit.ActionEvaluationShadow))
}

func TestConsumerCancellationDiscardsPartialAnswer(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	f.generator.infinite = true

	ctx, cancel := context.WithCancel(context.Background())
	events := f.service().Query(ctx, "t1", "refund policy", "c1")

	// 消费一个分块后放弃
	first := <-events
	require.Equal(t, model.EventContent, first.Type)
	cancel()
	for range events {
	}

	// 约定：取消时丢弃部分回答，不落库助手消息，不写缓存
	_, assistants := f.repo.roleCounts("c1")
	assert.Equal(t, 0, assistants)
	assert.Equal(t, 0, f.store.sets)
}

func TestAppendOnlyConversationLog(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	svc := f.service()

	queries := []string{"first question", "second question", "third question"}
	for _, q := range queries {
		events := collect(svc.Query(context.Background(), "t1", q, "c1"))
		require.Equal(t, model.EventSourceMaterial, events[len(events)-1].Type)
	}

	users, assistants := f.repo.roleCounts("c1")
	assert.Equal(t, len(queries), users)
	assert.Equal(t, len(queries), assistants)

	// 时间顺序：user/assistant 交替出现
	msgs, err := f.repo.History(context.Background(), "c1", "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2*len(queries))
	for i, msg := range msgs {
		if i%2 == 0 {
			assert.Equal(t, model.RoleUser, msg.Role)
		} else {
			assert.Equal(t, model.RoleAssistant, msg.Role)
		}
	}
}

func TestConversationsAreTenantChecked(t *testing.T) {
	f := newFixture()
	f.seedDocs("t1", policyDocs()...)
	svc := f.service()

	// t1 创建对话 c1
	events := collect(svc.Query(context.Background(), "t1", "refund policy", "c1"))
	require.Equal(t, model.EventSourceMaterial, events[len(events)-1].Type)

	// t2 无法读取 t1 的对话历史
	_, err := f.repo.History(context.Background(), "c1", "t2")
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)
}
