package agent

import (
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/lenientjson"
)

// ActionType agent 下一步动作。
type ActionType string

const (
	ActionNavigate       ActionType = "Navigate"
	ActionClick          ActionType = "Click"
	ActionExtractProduct ActionType = "ExtractProduct"
	ActionStop           ActionType = "Stop"
)

// Action oracle 给出的决策，经过 Validate 后才会被执行。
type Action struct {
	Type     ActionType
	URL      string // 仅 Navigate
	Selector string // 仅 Click
	Reason   string
}

// Stop 构造一个带原因的 Stop 动作。
func Stop(reason string) Action {
	return Action{Type: ActionStop, Reason: reason}
}

type actionPayload struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	CSSSelector string `json:"cssSelector"`
	Reason      string `json:"reason"`
}

// ParseAction 把 oracle 的原始回复解析为动作，任何解析失败都退化为 Stop。
func ParseAction(raw string) Action {
	var p actionPayload
	if !lenientjson.Decode(raw, &p) {
		return Stop("invalid oracle response")
	}
	return Validate(Action{
		Type:     parseActionType(p.Type),
		URL:      strings.TrimSpace(p.URL),
		Selector: strings.TrimSpace(p.CSSSelector),
		Reason:   p.Reason,
	})
}

// Validate 检查动作与其字段是否一致: Navigate 需要 URL，Click 需要选择器。
func Validate(a Action) Action {
	switch a.Type {
	case ActionNavigate:
		if strings.TrimSpace(a.URL) != "" {
			return a
		}
	case ActionClick:
		if strings.TrimSpace(a.Selector) != "" {
			return a
		}
	case ActionExtractProduct, ActionStop:
		return a
	}
	return Stop("invalid action payload")
}

func parseActionType(s string) ActionType {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "", "-", "", " ", "").Replace(norm)
	switch norm {
	case "navigate":
		return ActionNavigate
	case "click":
		return ActionClick
	case "extractproduct", "extract":
		return ActionExtractProduct
	case "stop":
		return ActionStop
	}
	return ActionType(s)
}
