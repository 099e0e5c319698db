package feed

import (
	"io"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Document is the part of a parsed feed that synchronization consumes.
type Document struct {
	Title string
	Items []Item
}

type Item struct {
	Link      string
	Title     string
	Published *time.Time
	Summary   string
	// Content holds the item's full-content blocks in document order.
	Content []string
}

// Body returns the concatenated content blocks, falling back to the summary.
func (i Item) Body() string {
	if len(i.Content) > 0 {
		return strings.Join(i.Content, "")
	}
	return i.Summary
}

// Parser adapts gofeed (RSS, Atom and JSON Feed) to Document.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads one feed document. url is only used for error reporting.
// Every failure is a *ParseError.
func (p *Parser) Parse(reader io.Reader, url string) (*Document, error) {
	// gofeed parsers keep per-document state, so each call gets its own.
	feed, err := gofeed.NewParser().Parse(reader)
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}

	doc := &Document{
		Title: strings.TrimSpace(feed.Title),
		Items: make([]Item, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		doc.Items = append(doc.Items, convertItem(item))
	}
	return doc, nil
}

func convertItem(item *gofeed.Item) Item {
	converted := Item{
		Link:      strings.TrimSpace(item.Link),
		Title:     item.Title,
		Published: item.PublishedParsed,
		Summary:   item.Description,
	}
	if item.Content != "" {
		converted.Content = []string{item.Content}
	}
	return converted
}
