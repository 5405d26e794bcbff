package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxVisibleTexts = 40
	maxPriceTexts   = 5
	maxLinks        = 25
)

var (
	priceMarkers      = []string{"تومان", "ریال", "toman", "₮"}
	outOfStockMarkers = []string{"ناموجود", "اتمام موجودی", "فروشنده ای ندارد"}
)

// BuildSnapshot 从页面 HTML 生成 agent 使用的摘要。
//
// 可见文本依次为: h1/h2 标题、最多 5 条含货币单位的文本、缺货提示；整体去重后截断为 40 条。
// 链接只保留有文字的 a[href]，按 href 去重，最多 25 条，相对地址按 pageURL 解析。
func BuildSnapshot(pageURL, title, html string) (*agent.PageSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if title == "" {
		title = cleanText(doc.Find("title").First().Text())
	}

	var texts []string
	doc.Find("h1, h2").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			texts = append(texts, t)
		}
	})

	elements := doc.Find("body *").Not("script, style, noscript, template")
	texts = append(texts, limit(distinct(textsWithOwnMarker(elements, priceMarkers)), maxPriceTexts)...)
	texts = append(texts, distinct(textsWithOwnMarker(elements, outOfStockMarkers))...)

	return &agent.PageSnapshot{
		URL:          pageURL,
		Title:        title,
		VisibleTexts: limit(distinct(texts), maxVisibleTexts),
		Links:        collectLinks(doc, pageURL),
	}, nil
}

// textsWithOwnMarker 自身文本节点包含任一标记的元素，返回其完整文本。
func textsWithOwnMarker(elements *goquery.Selection, markers []string) []string {
	var out []string
	elements.Each(func(_ int, s *goquery.Selection) {
		own := ownText(s)
		if own == "" || !containsAny(own, markers) {
			return
		}
		if t := cleanText(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func ownText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
		}
	})
	return strings.TrimSpace(b.String())
}

func collectLinks(doc *goquery.Document, pageURL string) []agent.Link {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{})
	var links []agent.Link

	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := cleanText(a.Text())
		if text == "" {
			return true
		}
		href := absoluteURL(base, a.AttrOr("href", ""))
		if href == "" {
			return true
		}
		if _, dup := seen[href]; dup {
			return true
		}
		seen[href] = struct{}{}
		links = append(links, agent.Link{Text: text, Href: href, Selector: selectorHint(a)})
		return len(links) < maxLinks
	})
	return links
}

// selectorHint 生成粗粒度选择器: #id，其次 .第一个 class，否则标签名。
func selectorHint(s *goquery.Selection) string {
	if id := strings.TrimSpace(s.AttrOr("id", "")); id != "" {
		return "#" + id
	}
	if classes := strings.Fields(s.AttrOr("class", "")); len(classes) > 0 {
		return "." + classes[0]
	}
	return goquery.NodeName(s)
}

func absoluteURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func distinct(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

func limit(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
