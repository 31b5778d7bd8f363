// Package vector 提供了基于 Elasticsearch 的租户隔离向量索引客户端。
//
// 所有读写都在客户端内部强制按租户过滤：Search 会在 knn 查询里注入
// tenant_id 的 term filter，Upsert 会覆盖写入 payload 中的 tenant_id。
// 调用方无法绕过这一层，这是整个系统最重要的正确性保障。
package vector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"ragflow-go/internal/config"
	"ragflow-go/internal/model"
	"ragflow-go/pkg/log"
)

// Index 定义了向量索引的操作接口。
type Index interface {
	// Search 在租户作用域内做近邻检索，结果按相似度降序。
	Search(ctx context.Context, tenantID string, vector []float32, limit int, scoreThreshold float64) ([]model.RetrievedDocument, error)
	// Upsert 写入一条向量文档，tenant_id 由客户端强制写入。
	// docID 为空时自动生成。
	Upsert(ctx context.Context, tenantID string, vector []float32, payload map[string]interface{}, docID string) error
}

type esIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewESIndex 创建 Elasticsearch 客户端并确保索引存在。
func NewESIndex(cfg config.ElasticsearchConfig, dims int) (Index, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.Addresses},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	idx := &esIndex{client: client, indexName: cfg.IndexName}
	if err := idx.ensureIndex(dims); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewESIndexWithClient 用现成的 ES 客户端构造索引（测试用）。
func NewESIndexWithClient(client *elasticsearch.Client, indexName string) Index {
	return &esIndex{client: client, indexName: indexName}
}

// ensureIndex 检查索引是否存在，不存在则按共享集合的 mapping 创建。
func (x *esIndex) ensureIndex(dims int) error {
	res, err := x.client.Indices.Exists([]string{x.indexName})
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", x.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// 共享集合：所有租户写入同一索引，靠 tenant_id keyword 过滤隔离
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"tenant_id": { "type": "keyword" },
				"text": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"metadata": { "type": "object", "enabled": true }
			}
		}
	}`, dims)

	createRes, err := x.client.Indices.Create(
		x.indexName,
		x.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", x.indexName, err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return errors.New("创建索引时 Elasticsearch 返回错误: " + createRes.String())
	}
	log.Infof("索引 '%s' 创建成功", x.indexName)
	return nil
}

func (x *esIndex) Search(ctx context.Context, tenantID string, vector []float32, limit int, scoreThreshold float64) ([]model.RetrievedDocument, error) {
	if tenantID == "" {
		return nil, errors.New("search requires a tenant id")
	}

	// 租户过滤在这里注入，不信任调用方传入的任何过滤条件
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": limit * 5,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"tenant_id": tenantID},
			},
		},
		"min_score": scoreThreshold,
		"size":      limit,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.indexName),
		x.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s, body: %s", res.Status(), string(bodyBytes))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				ID     string                `json:"_id"`
				Score  float64               `json:"_score"`
				Source model.IndexedDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	docs := make([]model.RetrievedDocument, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		docs = append(docs, model.RetrievedDocument{
			ID:       hit.ID,
			Score:    hit.Score,
			Text:     hit.Source.Text,
			Metadata: hit.Source.Metadata,
		})
	}
	return docs, nil
}

func (x *esIndex) Upsert(ctx context.Context, tenantID string, vector []float32, payload map[string]interface{}, docID string) error {
	if tenantID == "" {
		return errors.New("upsert requires a tenant id")
	}
	if docID == "" {
		docID = uuid.NewString()
	}

	text, _ := payload["text"].(string)
	metadata, _ := payload["metadata"].(map[string]interface{})

	// 强制写入 tenant_id，调用方传入的同名字段一律覆盖，防止写入侧的租户伪造
	doc := model.IndexedDocument{
		TenantID: tenantID,
		Text:     text,
		Vector:   vector,
		Metadata: metadata,
	}

	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      x.indexName,
		DocumentID: docID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, x.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}
