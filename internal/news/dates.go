package news

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	dateClassRe = regexp.MustCompile(`(?i)date|time|published|created`)

	// Listing pages show dates in a handful of plain formats.
	listDateFormats = []string{"2006-01-02", "02.01.2006", "01/02/2006", "2006/01/02"}
)

// parseISOOrDate parses an ISO timestamp or a bare yyyy-mm-dd, normalized
// to UTC.
func parseISOOrDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if strings.Contains(s, "T") {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// listingDate extracts a publication date from a listing card: a
// <time datetime> first, then any element whose class looks date-like.
func listingDate(card *goquery.Selection) (time.Time, bool) {
	if timeEl := card.Find("time").First(); timeEl.Length() > 0 {
		if attr, ok := timeEl.Attr("datetime"); ok {
			if t, ok2 := parseISOOrDate(attr); ok2 {
				return t, true
			}
		}
	}
	var found time.Time
	ok := false
	card.Find("span,div,p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		if !dateClassRe.MatchString(class) {
			return true
		}
		text := strings.TrimSpace(s.Text())
		if len(text) > 10 {
			text = text[:10]
		}
		for _, format := range listDateFormats {
			if t, err := time.Parse(format, text); err == nil {
				found = t.UTC()
				ok = true
				return false
			}
		}
		return true
	})
	return found, ok
}

// articleDate runs the full-article date cascade: <time datetime>, meta
// tags, then JSON-LD Article objects (including @graph containers).
func articleDate(doc *goquery.Document) (time.Time, bool) {
	if timeEl := doc.Find("time").First(); timeEl.Length() > 0 {
		if attr, ok := timeEl.Attr("datetime"); ok {
			if t, ok2 := parseISOOrDate(attr); ok2 {
				return t, true
			}
		}
	}

	for _, prop := range []string{"article:published_time", "og:published_time", "publish-date", "datePublished"} {
		sel := doc.Find(`meta[property="` + prop + `"], meta[name="` + prop + `"]`).First()
		if sel.Length() == 0 {
			continue
		}
		if content, ok := sel.Attr("content"); ok {
			if t, ok2 := parseISOOrDate(content); ok2 {
				return t, true
			}
		}
	}

	var found time.Time
	ok := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t, got := jsonLDDate(s.Text()); got {
			found = t
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// jsonLDDate digs datePublished/dateCreated/dateModified out of a JSON-LD
// blob, restricting typed objects to article-like @type values so site-wide
// dates are not picked up.
func jsonLDDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	var data interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return time.Time{}, false
	}

	var objs []map[string]interface{}
	collect := func(v interface{}) {
		if m, ok := v.(map[string]interface{}); ok {
			objs = append(objs, m)
			if graph, ok := m["@graph"].([]interface{}); ok {
				for _, g := range graph {
					if gm, ok := g.(map[string]interface{}); ok {
						objs = append(objs, gm)
					}
				}
			}
		}
	}
	collect(data)
	if arr, ok := data.([]interface{}); ok {
		for _, v := range arr {
			collect(v)
		}
	}

	for _, obj := range objs {
		objType := ""
		switch tv := obj["@type"].(type) {
		case string:
			objType = strings.ToLower(tv)
		case []interface{}:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, strings.ToLower(toString(p)))
			}
			objType = strings.Join(parts, " ")
		}
		if objType != "" {
			articleLike := false
			for _, k := range []string{"article", "newsarticle", "blog", "posting"} {
				if strings.Contains(objType, k) {
					articleLike = true
					break
				}
			}
			if !articleLike {
				continue
			}
		}
		for _, key := range []string{"datePublished", "dateCreated", "dateModified"} {
			if s := toString(obj[key]); s != "" {
				if t, ok := parseISOOrDate(s); ok {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
