package botllm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultModelName is the upstream model used when none is configured.
	DefaultModelName = "gpt-4o"

	// DefaultFallbackReply is returned when the model produces an
	// empty answer.
	DefaultFallbackReply = "I couldn't come up with an answer just now."

	// webSearchToolType is attached to the request payload when a request
	// asked for web grounding.
	webSearchToolType openai.ToolType = "web_search"
)

// ModelClient is the narrow upstream surface the credential pool needs.
// *openai.Client satisfies it; tests substitute stubs.
type ModelClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// ModelRequest is one model call: the prior conversation turns plus the
// new user turn, and whether web grounding was requested.
type ModelRequest struct {
	Turns    []Turn
	Grounded bool
}

// ModelReply is the answer extracted from a successful model call.
type ModelReply struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// newModelClient builds an upstream client for one API key.
func newModelClient(apiKey string, httpClient *http.Client) ModelClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// chatCompletionRequest converts a ModelRequest into the upstream wire
// shape. Turns with binary parts become multi-part messages carrying the
// data as base64 data URLs.
func chatCompletionRequest(model string, req ModelRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns))
	for _, turn := range req.Turns {
		messages = append(messages, turnToMessage(turn))
	}

	ccr := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Grounded {
		ccr.Tools = []openai.Tool{{Type: webSearchToolType}}
	}
	return ccr
}

func turnToMessage(turn Turn) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if turn.Role == TurnRoleModel {
		role = openai.ChatMessageRoleAssistant
	}

	hasBinary := false
	for _, part := range turn.Parts {
		if len(part.Data) > 0 {
			hasBinary = true
			break
		}
	}

	if !hasBinary {
		var sb strings.Builder
		for _, part := range turn.Parts {
			sb.WriteString(part.Text)
		}
		return openai.ChatCompletionMessage{Role: role, Content: sb.String()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(turn.Parts))
	for _, part := range turn.Parts {
		if len(part.Data) > 0 {
			parts = append(
				parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: dataURL(part.MimeType, part.Data),
					},
				},
			)
			continue
		}
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			},
		)
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

func dataURL(mimeType string, data []byte) string {
	return fmt.Sprintf(
		"data:%s;base64,%s",
		mimeType,
		base64.StdEncoding.EncodeToString(data),
	)
}

func replyFromResponse(resp openai.ChatCompletionResponse) *ModelReply {
	reply := &ModelReply{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) > 0 {
		reply.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	return reply
}
