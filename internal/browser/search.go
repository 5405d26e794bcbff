package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParseSearchResults 解析搜索结果页，每个结果输出一行 "标题 | 链接"。
func ParseSearchResults(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse search html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var lines []string
	doc.Find("a h3").Each(func(_ int, h3 *goquery.Selection) {
		title := cleanText(h3.Text())
		a := h3.Closest("a")
		href := unwrapRedirect(absoluteURL(base, a.AttrOr("href", "")))
		if title == "" || href == "" {
			return
		}
		lines = append(lines, title+" | "+href)
	})
	return lines, nil
}

// unwrapRedirect 还原 /url?q=<target> 形式的跳转链接。
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.Path != "/url" {
		return href
	}
	for _, key := range []string{"q", "url"} {
		if target := u.Query().Get(key); strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return target
		}
	}
	return href
}

// SearchURL 把查询词填入地址模板。
func SearchURL(template, query string) string {
	if !strings.Contains(template, "%s") {
		return template + url.QueryEscape(query)
	}
	return fmt.Sprintf(template, url.QueryEscape(query))
}
