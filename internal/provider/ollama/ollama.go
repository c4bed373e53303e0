package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// 错误分类。调用方通过 errors.Is 判断失败类型，重试策略由上层决定。
var (
	// ErrUnavailable 传输层失败（连接拒绝、DNS 等）。
	ErrUnavailable = errors.New("ollama: runtime unavailable")
	// ErrTimeout 请求超过配置的 deadline。
	ErrTimeout = errors.New("ollama: request timed out")
	// ErrProtocol 响应格式非法（非 200、JSON 解析失败、缺字段）。
	ErrProtocol = errors.New("ollama: protocol error")
)

// Options 生成参数，嵌套进 /api/generate 请求的 options 字段。
type Options struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// DefaultOptions 聊天默认生成参数。
func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		NumPredict:  200,
		Stop:        []string{"\nUser:", "User:", "\n\n\n"},
	}
}

// AgentOptions 智能体推理用的低温参数。
func AgentOptions() Options {
	return Options{
		Temperature: 0.1,
		NumPredict:  300,
	}
}

// Chunk 流式生成的单个增量。Done 为 true 时流结束。
type Chunk struct {
	Delta string
	Done  bool
}

// Config 客户端配置。
type Config struct {
	BaseURL        string
	TimeoutSeconds int
	MaxIdleConns   int
}

// Client Ollama HTTP 客户端。封装 generate / embeddings / tags / pull 四个端点。
// 不做任何重试，失败按错误分类向上抛。
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// New 创建客户端。
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 8
	}

	// 本地运行时无 TLS，连接池大小可配。请求生命周期由 ctx 控制。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConns = maxIdle
	transport.MaxIdleConnsPerHost = maxIdle

	return &Client{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
	}
}

// Timeout 返回单请求超时。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// -- 内部 API 请求/响应结构 --

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate 非流式生成，返回聚合后的文本。
func (c *Client) Generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/generate", generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("%w: decode generate response: %v", ErrProtocol, err)
	}
	return gen.Response, nil
}

// GenerateStream 流式生成。返回增量 channel 与错误 channel，两者都在流结束后关闭。
// 流是一次性的：消费方取消 ctx 即中止底层 HTTP 请求。
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, opts Options) (<-chan Chunk, <-chan error) {
	chunkCh := make(chan Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.post(ctx, "/api/generate", generateRequest{
			Model:   model,
			Prompt:  prompt,
			Stream:  true,
			Options: opts,
		})
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errCh <- statusError(resp)
			return
		}

		// Ollama 流式响应为逐行 JSON，最后一条 done=true。
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var gen generateResponse
			if err := json.Unmarshal(line, &gen); err != nil {
				errCh <- fmt.Errorf("%w: decode stream record: %v", ErrProtocol, err)
				return
			}

			select {
			case chunkCh <- Chunk{Delta: gen.Response, Done: gen.Done}:
			case <-ctx.Done():
				errCh <- classify(ctx.Err())
				return
			}
			if gen.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errCh <- classify(err)
			return
		}
		// 流在 done=true 之前被服务端关闭
		errCh <- fmt.Errorf("%w: stream ended without done marker", ErrProtocol)
	}()

	return chunkCh, errCh
}

// Embed 生成单条文本的向量。维度由模型决定，客户端不做校验。
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/embeddings", embeddingsRequest{
		Model:  model,
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var emb embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&emb); err != nil {
		return nil, fmt.Errorf("%w: decode embeddings response: %v", ErrProtocol, err)
	}
	if len(emb.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", ErrProtocol)
	}
	return emb.Embedding, nil
}

// Tags 列出运行时本地已安装的模型名。
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decode tags response: %v", ErrProtocol, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Pull 触发运行时拉取指定模型。拉取可能远超单请求超时，deadline 单独放宽。
func (c *Client) Pull(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*c.timeout)
	defer cancel()

	resp, err := c.post(ctx, "/api/pull", map[string]string{"name": name})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	// pull 的进度流不关心内容，读完即可
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%w: status %d: %s", ErrProtocol, resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// classify 将传输层错误归入超时或不可用两类。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
