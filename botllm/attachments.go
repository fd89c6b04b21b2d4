package botllm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

const mimeTypeUnknownBinary = "application/octet-stream"

// supportedInlinePrefixes lists MIME type prefixes the model accepts as
// inline content.
var supportedInlinePrefixes = []string{"image/", "application/pdf"}

var mimeTypesByExtension = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
}

// Attachment describes a file submitted with a chat request. All fields
// come from the platform layer and are untrusted; Size may be zero when
// the platform didn't declare one.
type Attachment struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// inferMimeType resolves the MIME type used for validation and for the
// model payload. An explicitly declared type wins only when it's already
// allow-listed; otherwise extension-based inference wins; otherwise the
// declared type is used verbatim; otherwise a generic binary fallback.
// This ordering prevents a spoofed-but-unsupported declared type from
// masking a correctly inferable extension.
func inferMimeType(filename string, declared string) string {
	if declared != "" && isSupportedMime(declared) {
		return declared
	}
	ext := strings.ToLower(path.Ext(filename))
	if byExt, ok := mimeTypesByExtension[ext]; ok {
		return byExt
	}
	if declared != "" {
		return declared
	}
	return mimeTypeUnknownBinary
}

func isSupportedMime(mimeType string) bool {
	for _, prefix := range supportedInlinePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// validateAttachment enforces the declared-size and MIME policy on one
// attachment, before any download occurs. Returns nil when the
// attachment is acceptable.
func validateAttachment(a Attachment, maxBytes uint) *RequestError {
	if a.Size > 0 && uint(a.Size) > maxBytes {
		return &RequestError{
			Kind:     ErrKindAttachmentTooLarge,
			Filename: a.Name,
		}
	}
	if mimeType := inferMimeType(a.Name, a.ContentType); !isSupportedMime(mimeType) {
		return &RequestError{
			Kind:     ErrKindAttachmentUnsupportedType,
			Filename: a.Name,
			Err:      fmt.Errorf("unsupported type %q", mimeType),
		}
	}
	return nil
}

// AttachmentFetcher downloads attachment content and re-validates its
// size, since the declared size is untrusted and optional.
type AttachmentFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAttachmentFetcher(
	httpClient *http.Client,
	logger *slog.Logger,
) *AttachmentFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentFetcher{
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "attachments"),
	}
}

// Fetch retrieves the attachment bytes and enforces maxBytes on the
// actual content. The size recheck happens before the bytes are ever
// handed to the model call.
func (f *AttachmentFetcher) Fetch(
	ctx context.Context,
	a Attachment,
	maxBytes uint,
) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("error building download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf(
			"error downloading attachment %s: %w",
			a.Name,
			err,
		)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf(
			"error downloading attachment %s: %s",
			a.Name,
			resp.Status,
		)
	}

	// read one byte past the limit so oversized bodies are detected
	// without buffering them fully
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, "", fmt.Errorf(
			"error reading attachment %s: %w",
			a.Name,
			err,
		)
	}
	if uint(len(data)) > maxBytes {
		return nil, "", &RequestError{
			Kind:     ErrKindAttachmentTooLargeAfterDL,
			Filename: a.Name,
		}
	}

	return data, inferMimeType(a.Name, a.ContentType), nil
}

// AttachmentSummary gives the platform layer enough to render what was
// submitted alongside the model's answer.
type AttachmentSummary struct {
	Count      int      `json:"count"`
	Names      []string `json:"names,omitempty"`
	FirstImage string   `json:"first_image,omitempty"`
}

func summarizeAttachments(attachments []Attachment) AttachmentSummary {
	summary := AttachmentSummary{Count: len(attachments)}
	for _, a := range attachments {
		summary.Names = append(summary.Names, a.Name)
		if summary.FirstImage == "" {
			if mimeType := inferMimeType(a.Name, a.ContentType); strings.HasPrefix(
				mimeType,
				"image/",
			) {
				summary.FirstImage = a.Name
			}
		}
	}
	return summary
}
