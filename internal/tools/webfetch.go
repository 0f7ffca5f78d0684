package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/link-assistant/agent/internal/llm"
)

// WebFetchTool fetches a URL and extracts readable text from HTML pages.
type WebFetchTool struct {
	// Client may carry the retry transport; nil means http.DefaultClient.
	Client *http.Client
}

type webFetchArgs struct {
	URL string `json:"url"`
}

const maxFetchBytes = 2 << 20

func (t *WebFetchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "webfetch",
		Description: "Fetch a URL. HTML pages are reduced to their readable article text; other content types return as-is.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "HTTP or HTTPS URL to fetch",
				},
			},
			"required":             []string{"url"},
			"additionalProperties": false,
		},
	}
}

func (t *WebFetchTool) Run(ctx RunContext, input json.RawMessage) Result {
	var a webFetchArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return Fail(ErrInvalidParams, "%v", err)
	}
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Fail(ErrInvalidParams, "url must be http or https: %q", a.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return Fail(ErrInvalidParams, "build request: %v", err)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Fail(ErrTimeout, "fetch timed out: %s", a.URL)
		}
		return Fail(ErrExecutionFailed, "fetch %s: %v", a.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Fail(ErrExecutionFailed, "read body: %v", err)
	}
	if resp.StatusCode >= 400 {
		return Fail(ErrExecutionFailed, "fetch %s: HTTP %d", a.URL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") {
		article, err := readability.FromReader(strings.NewReader(string(body)), u)
		if err == nil && article.TextContent != "" {
			text := strings.TrimSpace(article.TextContent)
			if article.Title != "" {
				text = fmt.Sprintf("# %s\n\n%s", article.Title, text)
			}
			return Ok(text)
		}
	}
	return Ok(string(body))
}
