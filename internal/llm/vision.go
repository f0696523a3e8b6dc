// vision.go — Vision calls for design captures.
// The prompt embeds the strict JSON contracts (BrandTokens, PageLayout) the
// dashboard consumes. The reply is shape-checked and persisted verbatim;
// nothing in the pipeline interprets it further.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sony/gobreaker"
)

// ErrBadVisionReply marks replies that are not the requested JSON shape.
var ErrBadVisionReply = errors.New("vision reply is not the requested JSON")

const designSystemPrompt = `You analyze automotive brand website screenshots.
Reply with EXACTLY ONE JSON object and nothing else, matching this schema:
{
  "brandTokens": {
    "palette": ["#rrggbb", ...],
    "fontFamilies": ["family", ...],
    "logoUrl": "string (optional)",
    "cornerRadius": "sharp" | "rounded" | "pill",
    "spacing": "dense" | "regular" | "airy"
  },
  "pageLayout": {
    "sections": [
      {"kind": "hero"|"nav"|"grid"|"carousel"|"footer"|"other", "heading": "string (optional)", "columns": 0}
    ]
  }
}`

// DesignReply is the parsed envelope; Raw is what gets persisted.
type DesignReply struct {
	Raw []byte
}

// DescribeDesign sends a screenshot to the vision model and returns the raw
// JSON reply after a shape check.
func (c *Client) DescribeDesign(ctx context.Context, tenant string, pngBytes []byte) (DesignReply, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	release, err := c.throttle.Acquire(ctx, tenant, c.limitFor(tenant))
	if err != nil {
		return DesignReply{}, fmt.Errorf("%w: throttle: %v", ErrUnavailable, err)
	}
	defer release()

	raw, err := c.breaker.Execute(func() (any, error) {
		return c.api.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.VisionModel),
			MaxTokens: 2048,
			System: []anthropic.TextBlockParam{
				{Text: designSystemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(
					anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(pngBytes)),
					anthropic.NewTextBlock("Extract the brand tokens and page layout for this screenshot."),
				),
			},
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return DesignReply{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return DesignReply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reply := collectText(raw.(*anthropic.Message))
	body := extractJSON(reply)
	if body == "" {
		return DesignReply{}, ErrBadVisionReply
	}
	// Shape check only: both top-level keys must parse.
	var envelope struct {
		BrandTokens json.RawMessage `json:"brandTokens"`
		PageLayout  json.RawMessage `json:"pageLayout"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil ||
		len(envelope.BrandTokens) == 0 || len(envelope.PageLayout) == 0 {
		return DesignReply{}, ErrBadVisionReply
	}
	return DesignReply{Raw: []byte(body)}, nil
}

// extractJSON pulls the outermost JSON object out of a possibly-fenced reply.
func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
