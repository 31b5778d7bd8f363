package llm

import (
	"fmt"
	"sort"
	"sync"

	"ragflow-go/internal/config"
)

// Factory 按配置构造一个 Client。
type Factory func(cfg config.LLMConfig) Client

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	Register("openai", newOpenAICompatibleClient)
	// deepseek 走同一套 OpenAI 兼容协议，仅 base_url/model 不同
	Register("deepseek", newOpenAICompatibleClient)
}

// Register 注册一个命名的生成 provider。
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New 根据配置中的 provider 名构造客户端，进程启动时调用一次。
func New(cfg config.LLMConfig) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm provider %q not found, registered: %v", cfg.Provider, names())
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
