package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pders01/rssreader/internal/feed"
	"github.com/pders01/rssreader/internal/storage"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#95E1D3"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA86B"))
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func renderFeeds(w io.Writer, stats []feed.FeedStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No feeds yet. Add one with: rssreader subscribe <url>"))
		return
	}

	t := newTable("ID", "TITLE", "UNREAD", "TOTAL", "SYNCED")
	for _, s := range stats {
		title := s.Feed.DisplayTitle()
		if s.Feed.TitleLocked {
			title += " *"
		}
		t.Row(
			strconv.FormatInt(s.Feed.ID, 10),
			title,
			strconv.Itoa(s.Unread),
			strconv.Itoa(s.Total),
			formatTime(s.Feed.SyncedAt),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderEntries(w io.Writer, f *storage.Feed, entries []*storage.FeedEntry) {
	fmt.Fprintln(w, titleStyle.Render(f.DisplayTitle()))
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No entries."))
		return
	}

	t := newTable("ID", "", "PUBLISHED", "TITLE", "URL")
	for _, e := range entries {
		t.Row(
			strconv.FormatInt(e.ID, 10),
			entryFlags(e),
			formatTime(e.CreatedAt),
			e.Title,
			e.URL,
		)
	}
	fmt.Fprintln(w, t.Render())
}

// entryFlags marks unread entries with a dot and starred ones with a star.
func entryFlags(e *storage.FeedEntry) string {
	var b strings.Builder
	if !e.Read {
		b.WriteString("●")
	} else {
		b.WriteString(" ")
	}
	if e.Starred {
		b.WriteString("★")
	} else {
		b.WriteString(" ")
	}
	return b.String()
}

func renderSyncResult(w io.Writer, r *feed.SyncResult, err error) {
	if r == nil {
		fmt.Fprintln(w, errStyle.Render("✗ "+err.Error()))
		return
	}

	line := fmt.Sprintf("%s  %d new, %d already stored", r.Title, r.Inserted, r.Skipped)
	if r.Failed() > 0 {
		line += fmt.Sprintf(", %d skipped", r.Failed())
	}
	line += mutedStyle.Render(fmt.Sprintf("  (%s)", r.Duration.Round(time.Millisecond)))

	if err != nil {
		fmt.Fprintln(w, errStyle.Render("✗ ")+line)
		fmt.Fprintln(w, "  "+errStyle.Render(err.Error()))
	} else {
		fmt.Fprintln(w, okStyle.Render("✓ ")+line)
	}
	for _, itemErr := range r.ItemErrors {
		fmt.Fprintln(w, "  "+warnStyle.Render(itemErr.Error()))
	}
}

const entryWrapWidth = 100

// entryMarkdown lays out an entry as a markdown document: heading, source
// line, link and the stored content converted from HTML.
func entryMarkdown(f *storage.Feed, e *storage.FeedEntry) (string, error) {
	body, err := htmltomarkdown.ConvertString(e.Content)
	if err != nil {
		return "", fmt.Errorf("converting entry %d: %w", e.ID, err)
	}

	title := e.Title
	if title == "" {
		title = "(untitled)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "*%s, %s*\n\n", f.DisplayTitle(), e.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(&b, "[Read Online](%s)\n\n", e.URL)
	b.WriteString("---\n\n")
	b.WriteString(body)
	return b.String(), nil
}

func renderEntry(w io.Writer, f *storage.Feed, e *storage.FeedEntry) error {
	md, err := entryMarkdown(f, e)
	if err != nil {
		return err
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(entryWrapWidth),
	)
	if err != nil {
		return fmt.Errorf("initializing renderer: %w", err)
	}
	rendered, err := r.Render(md)
	if err != nil {
		return fmt.Errorf("rendering entry %d: %w", e.ID, err)
	}
	fmt.Fprint(w, rendered)
	return nil
}

// renderSyncAll prints each feed of a SyncAll run next to its own error.
// Feeds that failed before producing a result are listed after the rest.
func renderSyncAll(w io.Writer, results []*feed.SyncResult, err error) {
	failures := syncErrors(err)
	byFeed := make(map[int64]*feed.SyncError, len(failures))
	for _, f := range failures {
		byFeed[f.FeedID] = f
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		var feedErr error
		if f, ok := byFeed[r.FeedID]; ok {
			feedErr = f.Err
			delete(byFeed, r.FeedID)
		}
		renderSyncResult(w, r, feedErr)
	}
	for _, f := range failures {
		if _, ok := byFeed[f.FeedID]; ok {
			renderSyncResult(w, nil, f)
		}
	}
}

func syncErrors(err error) []*feed.SyncError {
	if err == nil {
		return nil
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	var out []*feed.SyncError
	for _, e := range errs {
		var syncErr *feed.SyncError
		if errors.As(e, &syncErr) {
			out = append(out, syncErr)
		}
	}
	return out
}
