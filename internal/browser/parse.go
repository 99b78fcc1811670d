package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/msageha/pbwturn/internal/model"
)

func parseHTML(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// CleanFileName is the last path segment of href with the site's upload
// prefix (everything up to the first "-") removed.
func CleanFileName(href string) string {
	name := lastSegment(href)
	if _, after, found := strings.Cut(name, "-"); found {
		return after
	}
	return name
}

// lastSegment is the text after the final "/". Download hrefs carry the file
// path in the query string, so this works on the raw href, not the URL path.
func lastSegment(href string) string {
	trimmed := strings.TrimRight(href, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

func allowedExt(href string) bool {
	lower := strings.ToLower(href)
	for _, ext := range DownloadExts {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// ParseDownloadables lists the file anchors of a documents page in page order.
func ParseDownloadables(site Site, pageURL, html string) ([]model.Downloadable, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []model.Downloadable
	doc.Find(selDocAnchor + ", " + selDocTitle).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || seen[href] || !allowedExt(href) {
			return
		}
		seen[href] = true
		out = append(out, model.Downloadable{
			Href:     href,
			URL:      site.Resolve(pageURL, href),
			Text:     strings.TrimSpace(s.Text()),
			FileName: CleanFileName(href),
			Page:     pageURL,
		})
	})
	return out, nil
}

// ParseDeleteLink returns the href of the first delete control, if any.
func ParseDeleteLink(html string) (string, bool, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return "", false, err
	}
	href, ok := doc.Find(selDelete).First().Attr("href")
	if !ok || !strings.Contains(href, "delete") {
		return "", false, nil
	}
	return href, true, nil
}

// ParseGameLinks lists the groups on the member's my-groups page.
func ParseGameLinks(html string) ([]model.GameLink, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []model.GameLink
	doc.Find(selGameLink).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		name := strings.TrimSpace(s.Text())
		if href == "" || name == "" {
			return
		}
		slug := lastSegment(href)
		if slug == "" || seen[slug] {
			return
		}
		seen[slug] = true
		out = append(out, model.GameLink{Slug: slug, Name: name})
	})
	return out, nil
}

// ParseLoginError returns the text of the login error banner, if shown.
func ParseLoginError(html string) (string, bool, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return "", false, err
	}
	banner := doc.Find(selLoginError).First()
	if banner.Length() == 0 {
		return "", false, nil
	}
	return strings.Join(strings.Fields(banner.Text()), " "), true, nil
}

// HasLoginForm reports whether the page still shows the login form.
func HasLoginForm(html string) (bool, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return false, err
	}
	return doc.Find(selLoginForm+", "+selLoginUser).Length() > 0, nil
}
