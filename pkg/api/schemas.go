package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	HistoryID string `json:"history_id,omitempty"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Type    string `json:"type"`
}

type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ImageGenerationRequest is the body of POST /v1/images/generations.
// Size ("1024x768") and Width/Height are alternatives; Ratio wins over both.
type ImageGenerationRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Ratio          string   `json:"ratio,omitempty"`
	Size           string   `json:"size,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	SampleStrength float64  `json:"sample_strength,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	Images         []string `json:"images,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
}

// VideoGenerationRequest is the body of POST /v1/videos/generations.
type VideoGenerationRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Ratio          string   `json:"ratio,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	DurationMS     int      `json:"duration_ms,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	FirstFrame     string   `json:"first_frame_image,omitempty"`
	EndFrame       string   `json:"end_frame_image,omitempty"`
	Images         []string `json:"images,omitempty"`
}

// frames returns the first and end frames, explicit fields first.
func (r VideoGenerationRequest) frames() []string {
	var out []string
	if r.FirstFrame != "" {
		out = append(out, r.FirstFrame)
	}
	if r.EndFrame != "" {
		out = append(out, r.EndFrame)
	}
	return append(out, r.Images...)
}

type MediaData struct {
	URL string `json:"url"`
}

type GenerationResponse struct {
	Created   int64       `json:"created"`
	Data      []MediaData `json:"data"`
	HistoryID string      `json:"history_id,omitempty"`
	Status    string      `json:"status"`
}

// ---------------------------------------------------------------------------
// Chat completions
// ---------------------------------------------------------------------------

type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatMessage content is either a string or a list of content parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// parts returns the message's text and image references.
func (m ChatMessage) parts() (string, []string, error) {
	if len(m.Content) == 0 || string(m.Content) == "null" {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", nil, fmt.Errorf("content is neither a string nor a part list")
	}
	var texts, images []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				images = append(images, p.ImageURL.URL)
			}
		}
	}
	return strings.Join(texts, "\n"), images, nil
}

// lastUserMessage picks the prompt source: the last message from the user.
func (r ChatCompletionRequest) lastUserMessage() (ChatMessage, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

type ChatCompletionResponse struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	Created   int64        `json:"created"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage"`
	HistoryID string       `json:"history_id,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      *ChatOutput `json:"message,omitempty"`
	Delta        *ChatOutput `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type ChatOutput struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}
