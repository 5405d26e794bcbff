package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/lenientjson"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
)

// 启发式命中时使用的固定评分。
const (
	heuristicMatchPercentage = 85
	heuristicConfidence      = 0.75
)

// Result 一次成功提取的商品信息。
type Result struct {
	ProductTitle    string
	ProductURL      string
	Price           float64 // >0 有效，-1 缺货
	MatchPercentage float64
	ConfidenceScore float64
}

type extractionPayload struct {
	ProductTitle    string     `json:"productTitle"`
	ProductURL      string     `json:"productUrl"`
	Price           flexNumber `json:"price"`
	MatchPercentage flexNumber `json:"matchPercentage"`
	ConfidenceScore flexNumber `json:"confidenceScore"`
}

// flexNumber 接受数字或数字字符串（允许千分位逗号），模型经常把价格写成字符串。
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.ReplaceAll(strings.TrimSpace(digitNormalizer.Replace(s)), ",", "")
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", s, err)
		}
		*n = flexNumber(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = flexNumber(f)
	return nil
}

// extract 先用启发式正则，失败后再请求 oracle 做结构化提取。
// 返回 (nil, nil) 表示没有可信结果（价格为 0 或回复无法解析）。
func (a *Agent) extract(ctx context.Context, productName string, snap *PageSnapshot) (*Result, error) {
	if price, ok := ExtractPrice(strings.Join(snap.VisibleTexts, "\n")); ok {
		metrics.ExtractionsTotal.WithLabelValues("heuristic").Inc()
		return &Result{
			ProductTitle:    snap.Title,
			ProductURL:      snap.URL,
			Price:           price,
			MatchPercentage: heuristicMatchPercentage,
			ConfidenceScore: heuristicConfidence,
		}, nil
	}

	raw, err := a.oracle.ExtractProduct(ctx, productName, snap)
	if err != nil {
		return nil, fmt.Errorf("extract product: %w", err)
	}

	var p extractionPayload
	if !lenientjson.Decode(raw, &p) {
		metrics.ExtractionsTotal.WithLabelValues("rejected").Inc()
		a.logger.Debug("oracle extraction unparsable", slog.String("url", snap.URL))
		return nil, nil
	}
	price := float64(p.Price)
	if !model.IsAcceptedPrice(price) {
		metrics.ExtractionsTotal.WithLabelValues("rejected").Inc()
		a.logger.Debug("oracle extraction without price",
			slog.String("url", snap.URL),
			slog.Float64("price", price))
		return nil, nil
	}

	res := &Result{
		ProductTitle:    strings.TrimSpace(p.ProductTitle),
		ProductURL:      strings.TrimSpace(p.ProductURL),
		Price:           price,
		MatchPercentage: float64(p.MatchPercentage),
		ConfidenceScore: float64(p.ConfidenceScore),
	}
	if res.ProductTitle == "" {
		res.ProductTitle = snap.Title
	}
	res.ProductURL = productURL(snap.URL, res.ProductURL)
	metrics.ExtractionsTotal.WithLabelValues("oracle").Inc()
	return res, nil
}

// productURL 以当前页面为基准解析模型给出的链接；为空或解析后没有 host 时使用当前页面地址。
func productURL(pageURL, raw string) string {
	if raw == "" {
		return pageURL
	}
	resolved := resolveURL(pageURL, raw)
	if u, err := url.Parse(resolved); err != nil || u.Hostname() == "" {
		return pageURL
	}
	return resolved
}
