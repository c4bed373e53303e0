package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Param 工具参数描述，进入 agent 系统提示词。
type Param struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Tool 工具接口
type Tool interface {
	// Name 工具名称（唯一标识）
	Name() string

	// Description 工具描述（进入 agent 系统提示词）
	Description() string

	// Parameters 参数名到参数描述的映射
	Parameters() map[string]Param

	// Execute 执行工具，args 为 agent 解析出的 JSON 对象。
	// 返回结果文本，将作为 observation 回传给 agent。
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Descriptor 工具的可序列化描述，供 admin 接口返回。
type Descriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  map[string]Param `json:"parameters"`
}

// Registry 工具注册表
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建工具注册表
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register 注册工具
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get 获取工具
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has 检查工具是否存在
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names 返回已注册工具名，按字典序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors 返回全部工具描述，按名称排序，顺序稳定。
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		descs = append(descs, Descriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Execute 执行指定名称的工具。任何失败都折叠为 ToolError 结果字符串返回，
// 不返回 error：agent 循环必须能读到失败原因并继续推理，而不是崩掉。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("ToolError: unknown tool %q, available tools: %v", name, r.Names())
	}
	if err := validateArgs(t, args); err != nil {
		return fmt.Sprintf("ToolError: %v", err)
	}
	result, err := t.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("ToolError: %v", err)
	}
	return result
}

// validateArgs 按参数模式校验入参：必填项齐全、string 类型匹配。
func validateArgs(t Tool, args map[string]any) error {
	for name, p := range t.Parameters() {
		v, ok := args[name]
		if !ok {
			if p.Required {
				return fmt.Errorf("tool %q: missing required parameter %q", t.Name(), name)
			}
			continue
		}
		if p.Type == "string" {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("tool %q: parameter %q must be a string", t.Name(), name)
			}
		}
	}
	return nil
}
