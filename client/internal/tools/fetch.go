package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// FetchPage downloads a page and returns it as markdown.
type FetchPage struct {
	Client   *http.Client
	MaxBytes int64
}

func (FetchPage) Name() string { return "fetch_page" }

var blankLines = regexp.MustCompile(`\n{3,}`)

func (f FetchPage) Run(ctx context.Context, params map[string]any) (any, error) {
	raw, _ := params["url"].(string)
	target, err := parseFetchURL(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, Validationf("build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Type: protocol.ErrNetwork, Message: fmt.Sprintf("request failed: %v", err), Recoverable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Type:        protocol.ErrNetwork,
			Message:     fmt.Sprintf("GET %s returned %d", target, resp.StatusCode),
			Recoverable: resp.StatusCode >= 500,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, &Error{Type: protocol.ErrNetwork, Message: fmt.Sprintf("read body: %v", err), Recoverable: true}
	}
	truncated := int64(len(body)) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	title, content := string(body), string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || looksLikeHTML(body) {
		title, content, err = toMarkdown(body)
		if err != nil {
			return nil, &Error{Type: protocol.ErrUnknown, Message: fmt.Sprintf("convert page: %v", err)}
		}
	} else {
		title = ""
	}

	return map[string]any{
		"url":       finalURL,
		"title":     title,
		"content":   content,
		"truncated": truncated,
	}, nil
}

func parseFetchURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, Validationf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, Validationf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Validationf("url must be http or https")
	}
	if u.Host == "" {
		return nil, Validationf("url has no host")
	}
	return u, nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// toMarkdown extracts the title, strips non-content elements and converts
// the rest.
func toMarkdown(body []byte) (title, markdown string, err error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	title = findTitle(doc)
	stripNodes(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", "", err
	}
	markdown, err = htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return "", "", err
	}
	markdown = strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n"))
	return title, markdown, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		return strings.TrimSpace(sb.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

var strippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"nav": true, "footer": true, "iframe": true, "svg": true,
}

func stripNodes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && strippedTags[c.Data] {
			n.RemoveChild(c)
		} else {
			stripNodes(c)
		}
		c = next
	}
}
