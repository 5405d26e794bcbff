package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PageSnapshot 页面在某一时刻的摘要，由浏览器会话生成，交给 oracle 判断。
type PageSnapshot struct {
	URL          string
	Title        string
	VisibleTexts []string // 标题、价格、库存提示等关键文本（有序、去重）
	Links        []Link
}

// Link 页面上的一个可点击链接。
type Link struct {
	Text     string
	Href     string
	Selector string // CSS 选择器提示: #id / .class / tag
}

// Fingerprint 返回页面内容指纹: hex(SHA-256(url + visibleTexts 以 "|" 连接))。
//
// 同一次 agent 运行中出现重复指纹即视为进入循环。
func Fingerprint(s *PageSnapshot) string {
	if s == nil {
		return ""
	}
	raw := s.URL + strings.Join(s.VisibleTexts, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
