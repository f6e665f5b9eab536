// Package transport holds the shared send-path helpers every platform
// Transport in pkg/transport/{telegram,discord,dingtalk,feishu,wecom}
// builds on: safe markdown delivery, attachment marker expansion, and
// chunking (spec §6).
package transport

import (
	"bytes"
	"context"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/coworkhq/imgateway/pkg/logger"
	"github.com/coworkhq/imgateway/pkg/media"
)

// ChunkLimit is the default character budget for a single outbound
// message before SafeSend splits it (spec §6). Platform transports pass
// their own limit (Discord 2000, Telegram 4096, Feishu 4000) when it
// differs.
const ChunkLimit = 4000

const (
	sendRetries    = 2
	sendRetryDelay = 2 * time.Second
)

// Sender is the minimal per-message delivery primitive a platform
// transport supplies to SafeSend: send one already-chunked, already
// marker-stripped piece of text to chatID.
type Sender func(ctx context.Context, chatID, text string) error

// MediaUploader uploads a local file referenced by a [[media:...]]
// marker and returns a platform-native reference (file ID, attachment
// URL, ...) SafeSend can fold back into the surrounding text, or an
// error if the upload failed.
type MediaUploader func(ctx context.Context, chatID, localPath string) (string, error)

// NewPlatformLimiter builds the per-transport outbound rate limiter
// SafeSend throttles chunk delivery against, sized conservatively under
// every wired platform's documented per-chat send rate.
func NewPlatformLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(5), 5)
}

// SafeSend renders text defensively before handing it to send: it
// validates the content parses as markdown (falling back to the raw
// text verbatim when it doesn't, since every platform's plain-text path
// accepts anything), expands media markers via upload, chunks at limit,
// waits on limiter between chunks so a long reply can't blow through a
// platform's outbound rate limit, and retries each chunk up to
// sendRetries times with sendRetryDelay between attempts (spec §6).
func SafeSend(ctx context.Context, platform, chatID, text string, limit int, send Sender, upload MediaUploader, limiter *rate.Limiter) error {
	if limit <= 0 {
		limit = ChunkLimit
	}

	paths, stripped := media.ExtractMarkers(text)
	body := stripped
	for _, p := range paths {
		ref, err := uploadOne(ctx, chatID, p, upload)
		if err != nil {
			logger.WarnCF("transport", "media upload failed, keeping local path in text", map[string]any{
				"platform": platform, "path": p, "error": err.Error(),
			})
			ref = p
		}
		body += "\n[attachment: " + ref + "]"
	}

	body = renderSafe(platform, body)

	for _, chunk := range chunk(body, limit) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := sendWithRetry(ctx, chatID, chunk, send); err != nil {
			return err
		}
	}
	return nil
}

func uploadOne(ctx context.Context, chatID, path string, upload MediaUploader) (string, error) {
	if upload == nil {
		return path, nil
	}
	return upload(ctx, chatID, path)
}

// renderSafe validates text parses as goldmark markdown without
// panicking; a handful of platforms (WeCom, DingTalk robot cards) choke
// on malformed markdown more than they choke on plain text, so a parse
// failure degrades to the original text rather than blocking the send.
func renderSafe(platform, text string) (out string) {
	out = text
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("transport", "markdown render panicked, sending as plain text", map[string]any{
				"platform": platform, "panic": r,
			})
			out = text
		}
	}()

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		logger.WarnCF("transport", "markdown render failed, sending as plain text", map[string]any{
			"platform": platform, "error": err.Error(),
		})
		return text
	}
	return text
}

// chunk splits text into pieces no longer than limit, preferring to break
// at the last newline past the halfway point of the limit, falling back
// to the last space past the halfway point, and only forcing a hard cut
// at limit when neither exists — so a chunk boundary lands mid-word only
// when the chunk has no whitespace to break on at all (spec §6(d)).
func chunk(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var out []string
	for len(text) > 0 {
		if len(text) <= limit {
			out = append(out, text)
			break
		}
		cutAt := limit
		if idx := lastNewline(text[:limit]); idx > limit/2 {
			cutAt = idx + 1
		} else if idx := lastSpace(text[:limit]); idx > limit/2 {
			cutAt = idx + 1
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	return out
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

func sendWithRetry(ctx context.Context, chatID, text string, send Sender) error {
	var err error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if err = send(ctx, chatID, text); err == nil {
			return nil
		}
		if attempt < sendRetries {
			select {
			case <-time.After(sendRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
