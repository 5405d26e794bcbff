// Package lenientjson 从模型返回的自由文本中尽力恢复 JSON。
//
// 容错规则（按顺序）:
//
//  1. 去掉首尾空白，以及开头的 ``` / ```json 围栏和结尾的 ``` 围栏；
//  2. Object: 取第一个 '{' 到最后一个 '}' 之间的内容（含括号）；
//  3. Array: 若第一个 '[' 出现在第一个 '{' 之前，取第一个 '[' 到最后一个 ']'；
//     否则按 Object 规则取出 {...}，再包成 [ {...} ]。"{..},{..}" 也会被整体包成数组；
//  4. 找不到成对的定界符时返回 ("", false)。本包任何函数都不会 panic。
//
// Extract 只做定位，不保证结果是合法 JSON；Decode / DecodeArray 在其后做严格反序列化。
package lenientjson

import (
	"encoding/json"
	"strings"
)

// Shape 期望的顶层 JSON 形状。
type Shape int

const (
	Object Shape = iota
	Array
)

// Extract 按期望形状定位 JSON 片段。
func Extract(raw string, shape Shape) (string, bool) {
	text := stripFences(raw)
	if text == "" {
		return "", false
	}

	switch shape {
	case Array:
		open := strings.IndexByte(text, '[')
		brace := strings.IndexByte(text, '{')
		if open >= 0 && (brace < 0 || open < brace) {
			return span(text, '[', ']')
		}
		obj, ok := span(text, '{', '}')
		if !ok {
			return "", false
		}
		return "[" + obj + "]", true
	default:
		return span(text, '{', '}')
	}
}

// Decode 提取对象并反序列化到 v，任何失败都返回 false。
func Decode(raw string, v any) bool {
	return decode(raw, Object, v)
}

// DecodeArray 提取数组（单个对象会被包成数组）并反序列化到 v。
func DecodeArray(raw string, v any) bool {
	return decode(raw, Array, v)
}

func decode(raw string, shape Shape, v any) bool {
	fragment, ok := Extract(raw, shape)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(fragment), v) == nil
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// 围栏后的语言标记（json / JSON 等）直到换行为止
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
			text = text[nl+1:]
		} else {
			text = strings.TrimPrefix(strings.TrimPrefix(text, "json"), "JSON")
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func span(text string, open, close byte) (string, bool) {
	first := strings.IndexByte(text, open)
	last := strings.LastIndexByte(text, close)
	if first < 0 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}
