package tool

import (
	"context"
	"fmt"
	"time"
)

// TimeTool 返回当前时间，ISO-8601 加几种可读格式。
type TimeTool struct {
	now func() time.Time // 测试注入
}

// NewTimeTool 创建时间工具。
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Name() string { return "get_current_time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time. Takes no parameters."
}

func (t *TimeTool) Parameters() map[string]Param {
	return map[string]Param{}
}

func (t *TimeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	now := t.now()
	return fmt.Sprintf("ISO: %s | Date: %s | Time: %s",
		now.Format(time.RFC3339),
		now.Format("Monday, January 2, 2006"),
		now.Format("15:04:05 MST"),
	), nil
}

// WeatherTool 天气工具，演示用的固定 mock 数据。
type WeatherTool struct{}

// NewWeatherTool 创建天气工具。
func NewWeatherTool() *WeatherTool { return &WeatherTool{} }

func (t *WeatherTool) Name() string { return "get_weather" }

func (t *WeatherTool) Description() string {
	return "Get the current weather for a location. Returns mock data for demonstration."
}

func (t *WeatherTool) Parameters() map[string]Param {
	return map[string]Param{
		"location": {Type: "string", Required: true, Description: "City name, e.g. \"Beijing\""},
	}
}

func (t *WeatherTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	return fmt.Sprintf("[MOCK DATA] Weather in %s: sunny, 22°C, humidity 45%%, wind 10 km/h", location), nil
}

// KnowledgeTool 知识库搜索工具，演示用的固定 mock 数据。
type KnowledgeTool struct{}

// NewKnowledgeTool 创建知识库搜索工具。
func NewKnowledgeTool() *KnowledgeTool { return &KnowledgeTool{} }

func (t *KnowledgeTool) Name() string { return "search_knowledge" }

func (t *KnowledgeTool) Description() string {
	return "Search the internal knowledge base. Returns mock data for demonstration."
}

func (t *KnowledgeTool) Parameters() map[string]Param {
	return map[string]Param{
		"query": {Type: "string", Required: true, Description: "Search query"},
	}
}

func (t *KnowledgeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	return fmt.Sprintf("[MOCK DATA] Knowledge base results for %q: no curated articles are "+
		"loaded in this deployment; this tool demonstrates the agent's search capability.", query), nil
}
