package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/oracle-garnett/oracle/internal/backend"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/task"
	"github.com/oracle-garnett/oracle/pkg/config"
)

// summaryLen bounds the page text returned as the result summary.
const summaryLen = 600

type webClient struct {
	http      *http.Client
	searchURL string
	userAgent string
	maxBytes  int64
}

func newWebClient(cfg config.WebConfig) webClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return webClient{
		http:      &http.Client{Timeout: timeout},
		searchURL: cfg.SearchURL,
		userAgent: cfg.UserAgent,
		maxBytes:  maxBytes,
	}
}

func (c webClient) do(ctx context.Context, req *http.Request) (page, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return page{}, transportFailure(ctx, req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return page{}, statusFailure(req.URL.Host, resp.StatusCode)
	}
	pg, err := extract(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return page{}, capability.Structural("unreadable page from "+req.URL.Host, err)
	}
	pg.URL = resp.Request.URL.String()
	return pg, nil
}

// WebBrowse fetches a page, or a search results page for a query, and
// returns its readable text.
type WebBrowse struct {
	client webClient
}

// NewWebBrowse creates the browse handler.
func NewWebBrowse(cfg config.WebConfig) *WebBrowse {
	return &WebBrowse{client: newWebClient(cfg)}
}

func (w *WebBrowse) RequiresPermission() bool { return false }
func (w *WebBrowse) IsRetryable() bool        { return true }

// Invoke implements capability.Handler. It reads "url", or "query" when no
// url is given.
func (w *WebBrowse) Invoke(ctx context.Context, p capability.Params) (capability.Result, error) {
	target := strings.TrimSpace(p["url"])
	if target == "" {
		q := strings.TrimSpace(p["query"])
		if q == "" {
			return capability.Result{}, missingParam("url")
		}
		if w.client.searchURL == "" {
			return capability.Result{}, capability.Structural("web search is not configured", nil)
		}
		target = fmt.Sprintf(w.client.searchURL, url.QueryEscape(q))
	}
	if err := backend.ValidateURL(target); err != nil {
		return capability.Result{}, capability.Structural("not a web address: "+target, err)
	}

	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return capability.Result{}, capability.Structural("bad request for "+target, err)
	}
	pg, err := w.client.do(ctx, req)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Result{
		Summary: pg.summary(),
		Data:    map[string]string{"url": pg.URL, "title": pg.Title},
	}, nil
}

// WebAction submits a form. Submissions may have side effects such as
// purchases, so the handler requires confirmation and is never retried.
type WebAction struct {
	client webClient
}

// NewWebAction creates the form submission handler.
func NewWebAction(cfg config.WebConfig) *WebAction {
	return &WebAction{client: newWebClient(cfg)}
}

func (w *WebAction) RequiresPermission() bool { return true }
func (w *WebAction) IsRetryable() bool        { return false }

// formFields are parameters that never become form values.
var formFields = map[string]bool{"url": true, "text": true}

// Invoke implements capability.Handler. Every parameter except url and
// text is posted as a form field.
func (w *WebAction) Invoke(ctx context.Context, p capability.Params) (capability.Result, error) {
	target := strings.TrimSpace(p["url"])
	if target == "" {
		return capability.Result{}, missingParam("url")
	}
	if err := backend.ValidateURL(target); err != nil {
		return capability.Result{}, capability.Structural("not a web address: "+target, err)
	}

	form := url.Values{}
	for k, v := range p {
		if !formFields[k] {
			form.Set(k, v)
		}
	}
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return capability.Result{}, capability.Structural("bad request for "+target, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	pg, err := w.client.do(ctx, req)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Result{
		Summary: "Submitted to " + pg.URL + ". " + pg.summary(),
		Data:    map[string]string{"url": pg.URL, "title": pg.Title},
	}, nil
}

type page struct {
	URL   string
	Title string
	Text  string
}

func (p page) summary() string {
	s := task.Truncate(p.Text, summaryLen)
	if p.Title != "" {
		return p.Title + ": " + s
	}
	return s
}

// skipElements never contribute readable text.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true, "title": true,
}

// extract parses HTML and collapses its visible text.
func extract(r io.Reader) (page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return page{}, err
	}
	var pg page
	var words []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "title" && pg.Title == "" && n.FirstChild != nil {
				pg.Title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
			}
			if skipElements[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	pg.Text = strings.Join(words, " ")
	return pg, nil
}
