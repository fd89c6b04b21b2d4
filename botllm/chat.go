package botllm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// ChatRequest is a single user chat submission, already stripped of any
// platform-specific envelope. ChannelID is empty for direct messages.
type ChatRequest struct {
	UserID      string       `json:"user_id"`
	TenantID    string       `json:"tenant_id"`
	ChannelID   string       `json:"channel_id"`
	Prompt      string       `json:"prompt"`
	Grounding   bool         `json:"grounding"`
	Attachments []Attachment `json:"attachments"`
}

// ChatResult is the successful outcome of a chat request.
type ChatResult struct {
	RequestID     string            `json:"request_id"`
	Text          string            `json:"text"`
	UsedGrounding bool              `json:"used_grounding"`
	Attachments   AttachmentSummary `json:"attachments"`
}

// Chat runs a single request through the full admission pipeline:
// enablement, credential availability, content validation, the per-user
// cooldown, attachment retrieval, and finally dispatch through the
// credential pool. Failures after the cooldown slot was taken roll the
// slot back, so a user is never penalized for a system-side failure.
//
// Rejections and failures are returned as a [RequestError] carrying the
// specific [ErrorKind].
func (b *BotLLM) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	requestID := uuid.NewString()
	log := b.logger.With(
		"request_id", requestID,
		"user_id", req.UserID,
		"tenant_id", req.TenantID,
	)
	ctx = WithLogger(ctx, log)

	record := &ChatRecord{
		RequestID:       requestID,
		UserID:          req.UserID,
		TenantID:        req.TenantID,
		ChannelID:       req.ChannelID,
		Prompt:          truncate(req.Prompt, b.config.ChatLogMaxLength),
		State:           ChatRecordStateReceived,
		AttachmentCount: len(req.Attachments),
	}
	if _, err := b.writeDB.Create(ctx, record); err != nil {
		log.WarnContext(ctx, "error creating chat record", tint.Err(err))
	}

	result, err := b.runChat(ctx, log, req, requestID, record)
	b.finalizeRecord(ctx, log, record, result, err)
	return result, err
}

func (b *BotLLM) runChat(
	ctx context.Context,
	log *slog.Logger,
	req ChatRequest,
	requestID string,
	record *ChatRecord,
) (*ChatResult, error) {
	settings := b.store.EffectiveSettings(req.TenantID)
	if !settings.ChatEnabled {
		return nil, &RequestError{Kind: ErrKindChatDisabled}
	}

	// checked before the cooldown so a misconfigured deployment doesn't
	// burn the user's rate slot
	if len(b.store.APIKeys()) == 0 {
		return nil, &RequestError{
			Kind: ErrKindNoCredentials,
			Err:  ErrNoCredentialsConfigured,
		}
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && len(req.Attachments) == 0 {
		return nil, &RequestError{Kind: ErrKindEmptyRequest}
	}

	for _, a := range req.Attachments {
		if reqErr := validateAttachment(a, settings.MaxAttachmentBytes); reqErr != nil {
			return nil, reqErr
		}
	}

	admission := b.limiter.TryAdmit(req.UserID, time.Now(), settings.RateLimit)
	if !admission.Allowed {
		return nil, &RequestError{
			Kind:       ErrKindRateLimited,
			RetryAfter: admission.RetryAfter,
		}
	}

	// The cooldown slot is held from here on. Any failure below releases
	// it before returning.
	userTurn, err := b.buildUserTurn(ctx, prompt, req.Attachments, settings)
	if err != nil {
		b.limiter.Release(req.UserID)
		return nil, err
	}

	key := ConversationKey(req.ChannelID, req.UserID)
	turns := append(b.history.Turns(key), userTurn)

	record.StartedAt = time.Now().UnixMilli()
	reply, err := b.pool.Dispatch(
		ctx,
		ModelRequest{Turns: turns, Grounded: req.Grounding},
	)
	record.FinishedAt = time.Now().UnixMilli()

	if err != nil {
		b.limiter.Release(req.UserID)
		return nil, classifyDispatchError(err)
	}

	text := reply.Text
	if text == "" {
		log.InfoContext(ctx, "model returned empty answer, using fallback")
		text = b.config.Model.FallbackReply
	}

	b.history.Append(key, userTurn, textTurn(TurnRoleModel, text))

	record.PromptTokens = reply.PromptTokens
	record.CompletionTokens = reply.CompletionTokens
	record.TotalTokens = reply.TotalTokens
	record.UsedGrounding = req.Grounding

	return &ChatResult{
		RequestID:     requestID,
		Text:          text,
		UsedGrounding: req.Grounding,
		Attachments:   summarizeAttachments(req.Attachments),
	}, nil
}

// buildUserTurn downloads each attachment, re-validating size against the
// actual bytes, and assembles the user's turn from the prompt text plus
// the attachment content.
func (b *BotLLM) buildUserTurn(
	ctx context.Context,
	prompt string,
	attachments []Attachment,
	settings EffectiveSettings,
) (Turn, error) {
	turn := Turn{Role: TurnRoleUser}
	if prompt != "" {
		turn.Parts = append(turn.Parts, TurnPart{Text: prompt})
	}
	for _, a := range attachments {
		data, mimeType, err := b.fetcher.Fetch(ctx, a, settings.MaxAttachmentBytes)
		if err != nil {
			var reqErr *RequestError
			if errors.As(err, &reqErr) {
				return Turn{}, reqErr
			}
			return Turn{}, &RequestError{
				Kind:     ErrKindAttachmentTooLargeAfterDL,
				Filename: a.Name,
				Err:      err,
			}
		}
		turn.Parts = append(
			turn.Parts,
			TurnPart{Data: data, MimeType: mimeType},
		)
	}
	return turn, nil
}

// classifyDispatchError maps credential pool failures onto the error
// taxonomy, passing already-classified errors through unchanged.
// Context cancellation is not a credential failure and also passes
// through, so an abandoned request isn't reported as every key failing.
func classifyDispatchError(err error) error {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return err
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return &RequestError{Kind: ErrKindAllCredentialsExhausted, Err: err}
	}
	if errors.Is(err, ErrNoCredentialsConfigured) {
		return &RequestError{Kind: ErrKindNoCredentials, Err: err}
	}
	return &RequestError{Kind: ErrKindAllCredentialsExhausted, Err: err}
}

// finalizeRecord writes the request's final disposition to the ledger.
func (b *BotLLM) finalizeRecord(
	ctx context.Context,
	log *slog.Logger,
	record *ChatRecord,
	result *ChatResult,
	chatErr error,
) {
	updates := map[string]any{
		"started_at":  record.StartedAt,
		"finished_at": record.FinishedAt,
	}

	switch {
	case chatErr == nil:
		updates["state"] = ChatRecordStateCompleted
		updates["response"] = truncate(result.Text, b.config.ChatLogMaxLength)
		updates["used_grounding"] = result.UsedGrounding
		updates["prompt_tokens"] = record.PromptTokens
		updates["completion_tokens"] = record.CompletionTokens
		updates["total_tokens"] = record.TotalTokens
	default:
		kind, ok := RequestErrorKind(chatErr)
		if ok && kind != ErrKindAllCredentialsExhausted {
			updates["state"] = ChatRecordStateRejected
		} else {
			updates["state"] = ChatRecordStateFailed
		}
		updates["error_kind"] = string(kind)
	}

	if _, err := b.writeDB.Updates(ctx, record, updates); err != nil {
		log.WarnContext(ctx, "error finalizing chat record", tint.Err(err))
	}
}
