// Package rerank 提供了对检索候选文档的查询感知重排序。
package rerank

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"ragflow-go/internal/model"
)

// Reranker 对候选文档按查询相关性重新排序并截断。
// 输出长度为 min(topK, len(documents))，且对相同输入必须产出相同
// 顺序，引用编号的可复现性依赖这一点。
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []model.RetrievedDocument, topK int) ([]model.RetrievedDocument, error)
}

// lexicalReranker 用查询词在文档中的覆盖度打分。
// 分数相同的文档按召回顺序稳定排列，保证确定性。
type lexicalReranker struct{}

// NewLexicalReranker 创建基于词项覆盖度的重排序器。
func NewLexicalReranker() Reranker {
	return &lexicalReranker{}
}

var termSplit = regexp.MustCompile(`[^\p{Han}\p{L}\p{N}]+`)

func terms(s string) []string {
	fields := termSplit.Split(strings.ToLower(s), -1)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (r *lexicalReranker) Rerank(ctx context.Context, query string, documents []model.RetrievedDocument, topK int) ([]model.RetrievedDocument, error) {
	if topK <= 0 || len(documents) == 0 {
		return []model.RetrievedDocument{}, nil
	}

	queryTerms := terms(query)

	type scored struct {
		doc   model.RetrievedDocument
		score int
		pos   int
	}
	ranked := make([]scored, 0, len(documents))
	for i, doc := range documents {
		text := strings.ToLower(doc.Text)
		overlap := 0
		seen := map[string]struct{}{}
		for _, t := range queryTerms {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			if strings.Contains(text, t) {
				overlap++
			}
		}
		ranked = append(ranked, scored{doc: doc, score: overlap, pos: i})
	}

	// 稳定排序：同分按召回顺序
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].pos < ranked[j].pos
	})

	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]model.RetrievedDocument, 0, topK)
	for _, s := range ranked[:topK] {
		out = append(out, s.doc)
	}
	return out, nil
}
