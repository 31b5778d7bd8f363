package embedding

import (
	"fmt"
	"sort"
	"sync"

	"ragflow-go/internal/config"
)

// Factory 按配置构造一个 Client。
type Factory func(cfg config.EmbeddingConfig) Client

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	Register("openai", newOpenAICompatibleClient)
}

// Register 注册一个命名的 embedding provider。
// 进程启动时调用一次，重复注册会覆盖。
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New 根据配置中的 provider 名构造客户端。构造在进程启动时发生一次，
// 而不是每次查询时解析。
func New(cfg config.EmbeddingConfig) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding provider %q not found, registered: %v", cfg.Provider, names())
	}
	return factory(cfg), nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
