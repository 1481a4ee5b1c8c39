// Package pagefetch fills page content that was left out of an initial sync.
package pagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxPageBytes        = 4 << 20
)

var ErrUnexpectedStatus = errors.New("pagefetch: unexpected status")

// PageContent is what a fetch extracts from a page.
type PageContent struct {
	Title string
	Text  string
}

// Fetcher loads the content of a page by url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (PageContent, error)
}

// HTTPFetcher downloads pages over HTTP and extracts the title and visible text.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (PageContent, error) {
	target := url
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return PageContent{}, err
	}
	response, err := f.Client.Do(request)
	if err != nil {
		return PageContent{}, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return PageContent{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}
	return ExtractContent(io.LimitReader(response.Body, maxPageBytes))
}

// ExtractContent parses an HTML document into its title and visible text.
func ExtractContent(reader io.Reader) (PageContent, error) {
	document, err := html.Parse(reader)
	if err != nil {
		return PageContent{}, err
	}
	var title string
	var text []string
	var walk func(node *html.Node, hidden bool)
	walk = func(node *html.Node, hidden bool) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "script", "style", "noscript", "template":
				hidden = true
			case "title":
				if title == "" && node.FirstChild != nil {
					title = strings.TrimSpace(node.FirstChild.Data)
				}
				return
			}
		}
		if node.Type == html.TextNode && !hidden {
			if value := strings.Join(strings.Fields(node.Data), " "); value != "" {
				text = append(text, value)
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child, hidden)
		}
	}
	walk(document, false)
	return PageContent{Title: title, Text: strings.Join(text, " ")}, nil
}
