package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ServerConfig configures the HTTP-backed engine adapter.
type ServerConfig struct {
	BaseURL        string
	APIKey         string
	ReqTimeout     time.Duration
	ConnectTimeout time.Duration
	MaxTokens      int
	Temperature    float32
}

// serverEngine talks to a running OpenAI-compatible vision-language server
// (e.g. a llama.cpp multimodal server) over HTTP with SSE streaming.
type serverEngine struct {
	cfg    ServerConfig
	model  string
	client *http.Client

	loaded  atomic.Bool
	running atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewServer constructs an HTTP-backed engine for one model name.
func NewServer(cfg ServerConfig, model string) Engine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Timeout stays 0: streaming responses outlive any fixed client timeout,
	// deadlines are applied per request via context.
	return &serverEngine{
		cfg:    cfg,
		model:  model,
		client: &http.Client{Transport: tr, Timeout: 0},
	}
}

func (e *serverEngine) Load(ctx context.Context, progress func(float64)) error {
	if e.loaded.Load() {
		return nil
	}
	if progress != nil {
		progress(0.1)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(e.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return ErrLoad(err.Error())
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLoad(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrLoad("server health: " + resp.Status)
	}
	if progress != nil {
		progress(1)
	}
	e.loaded.Store(true)
	return nil
}

type chatMessagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatMessagePart `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (e *serverEngine) Generate(ctx context.Context, prompt string, images [][]byte, onToken TokenFunc) (Output, error) {
	if !e.loaded.Load() {
		return Output{}, ErrLoad("engine not loaded")
	}
	if e.cfg.ReqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ReqTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()

	e.running.Store(true)
	defer e.running.Store(false)

	parts := []chatMessagePart{{Type: "text", Text: prompt}}
	for _, img := range images {
		p := chatMessagePart{Type: "image_url", ImageURL: &struct {
			URL string `json:"url"`
		}{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)}}
		parts = append(parts, p)
	}
	payload := chatCompletionRequest{
		Model:       e.model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Stream:      true,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Output{}, ErrGeneration(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, ErrGeneration(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, ErrGeneration("server: " + resp.Status + ": " + string(b))
	}

	r := bufio.NewReader(resp.Body)
	var cum strings.Builder
	tokens := 0
	for {
		line, err := r.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" && strings.HasPrefix(strings.ToLower(s), "data:") {
			data := strings.TrimSpace(s[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg chatStreamResponse
			if jerr := json.Unmarshal([]byte(data), &msg); jerr == nil && len(msg.Choices) > 0 {
				if frag := msg.Choices[0].Delta.Content; frag != "" {
					cum.WriteString(frag)
					tokens++
					if onToken != nil && onToken(cum.String()) == Stop {
						cancel()
						return e.output(cum.String(), tokens, start), nil
					}
				}
				if msg.Choices[0].FinishReason != "" {
					break
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return Output{}, ctx.Err()
			}
			return Output{}, ErrGeneration(err.Error())
		}
	}
	return e.output(cum.String(), tokens, start), nil
}

func (e *serverEngine) output(text string, tokens int, start time.Time) Output {
	out := Output{Text: text, Tokens: tokens}
	if d := time.Since(start); d > 0 {
		out.TokensPerSec = float64(tokens) / d.Seconds()
	}
	return out
}

func (e *serverEngine) Cancel() {
	e.cancelMu.Lock()
	cancel := e.cancel
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *serverEngine) Running() bool { return e.running.Load() }

func (e *serverEngine) Close() error {
	e.loaded.Store(false)
	e.client.CloseIdleConnections()
	return nil
}
