package ingestion

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// rssFeed represents the RSS 2.0 feed structure.
type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	GUID        string   `xml:"guid"`
	Categories  []string `xml:"category"`
}

// atomFeed represents the Atom feed structure.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title      string         `xml:"title"`
	Links      []atomLink     `xml:"link"`
	Summary    string         `xml:"summary"`
	Content    string         `xml:"content"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	ID         string         `xml:"id"`
	Categories []atomCategory `xml:"category"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

// feedEntry is the format-independent view of one feed item.
type feedEntry struct {
	FeedURL     string
	Title       string
	Link        string
	GUID        string
	Description string
	PubDate     string
	Categories  []string
}

// parseFeed decodes an RSS 2.0 document, falling back to Atom. Entries keep
// document order.
func parseFeed(feedURL string, body []byte) ([]feedEntry, error) {
	var rss rssFeed
	rssErr := xml.Unmarshal(body, &rss)
	if rssErr == nil {
		entries := make([]feedEntry, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			entries = append(entries, feedEntry{
				FeedURL:     feedURL,
				Title:       it.Title,
				Link:        it.Link,
				GUID:        it.GUID,
				Description: it.Description,
				PubDate:     it.PubDate,
				Categories:  it.Categories,
			})
		}
		return entries, nil
	}

	var atom atomFeed
	atomErr := xml.Unmarshal(body, &atom)
	if atomErr != nil {
		return nil, fmt.Errorf("failed to parse as RSS (error: %v) or Atom (error: %v)", rssErr, atomErr)
	}

	entries := make([]feedEntry, 0, len(atom.Entries))
	for _, e := range atom.Entries {
		desc := e.Summary
		if strings.TrimSpace(desc) == "" {
			desc = e.Content
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		var cats []string
		for _, c := range e.Categories {
			if c.Term != "" {
				cats = append(cats, c.Term)
			}
		}
		entries = append(entries, feedEntry{
			FeedURL:     feedURL,
			Title:       e.Title,
			Link:        atomAlternate(e.Links),
			GUID:        e.ID,
			Description: desc,
			PubDate:     published,
			Categories:  cats,
		})
	}
	return entries, nil
}

func atomAlternate(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(links) > 0 {
		return links[0].Href
	}
	return ""
}

// parsePubDate attempts RSS and Atom date formats.
func parsePubDate(dateStr string) (time.Time, bool) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, false
	}

	formats := []string{
		time.RFC3339,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t.UTC(), true
		}
	}

	// No timezone, assume UTC.
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", dateStr, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// cleanText removes HTML tags and collapses whitespace.
func cleanText(text string) string {
	for _, br := range []string{"<p>", "</p>", "<br>", "<br/>", "<br />"} {
		text = strings.ReplaceAll(text, br, " ")
	}

	for {
		start := strings.Index(text, "<")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + " " + text[start+end+1:]
	}

	replacer := strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&quot;", `"`, "&#39;", "'", "&lt;", "<", "&gt;", ">")
	return strings.Join(strings.Fields(replacer.Replace(text)), " ")
}

// canonicalURL validates an article URL and returns its canonical form:
// http or https, lowercase host, no fragment, no trailing slash, and a
// non-empty path.
func canonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme in %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	if u.Path == "" {
		return "", fmt.Errorf("url %q has no article path", raw)
	}
	return u.String(), nil
}
