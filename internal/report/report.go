// Package report 生成价格对比、每日价格历史与 Excel 导出。
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
)

// CompetitorPrice 一个竞争对手针对某商品的一条报价。
type CompetitorPrice struct {
	CompetitorID    string    `json:"competitor_id"`
	CompetitorName  string    `json:"competitor_name"`
	WebsiteURL      string    `json:"website_url"`
	ProductTitle    string    `json:"product_title"`
	ProductURL      string    `json:"product_url"`
	Price           float64   `json:"price"`
	MatchPercentage float64   `json:"match_percentage"`
	ConfidenceScore float64   `json:"confidence_score"`
	CapturedAt      time.Time `json:"captured_at"`
}

// Comparison 我方价格与市场报价的对比。
type Comparison struct {
	ProductID        string            `json:"product_id"`
	ProductName      string            `json:"product_name"`
	OwnPrice         float64           `json:"own_price"`
	AverageMarket    *float64          `json:"average_market_price,omitempty"`
	CompetitorPrices []CompetitorPrice `json:"competitor_prices"`
	Cheapest         *CompetitorPrice  `json:"cheapest,omitempty"`
	MostExpensive    *CompetitorPrice  `json:"most_expensive,omitempty"`
}

// DailyPrices 某个 UTC 自然日的报价汇总。
type DailyPrices struct {
	Date     string            `json:"date"` // YYYY-MM-DD
	MinPrice float64           `json:"min_price"`
	MaxPrice float64           `json:"max_price"`
	Prices   []CompetitorPrice `json:"prices"`
}

// History 商品的按日价格历史，最新的日期在前。
type History struct {
	ProductID   string        `json:"product_id"`
	ProductName string        `json:"product_name"`
	OwnPrice    float64       `json:"own_price"`
	Daily       []DailyPrices `json:"daily"`
}

// Source 报表需要的只读数据。
type Source interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	PriceRecordsForProduct(ctx context.Context, productID string) ([]model.PriceRecord, error)
}

// Service 从 Source 读取数据并构造报表。
type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

// Comparisons 为全部商品生成价格对比。
func (s *Service) Comparisons(ctx context.Context) ([]Comparison, error) {
	products, err := s.src.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Comparison, 0, len(products))
	for _, p := range products {
		records, err := s.src.PriceRecordsForProduct(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("records for %s: %w", p.ID, err)
		}
		out = append(out, BuildComparison(p, records))
	}
	return out, nil
}

// Comparison 单个商品的价格对比。
func (s *Service) Comparison(ctx context.Context, productID string) (*Comparison, error) {
	p, err := s.src.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	records, err := s.src.PriceRecordsForProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("records for %s: %w", productID, err)
	}
	c := BuildComparison(*p, records)
	return &c, nil
}

// History 单个商品的每日价格历史。
func (s *Service) History(ctx context.Context, productID string) (*History, error) {
	p, err := s.src.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	records, err := s.src.PriceRecordsForProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("records for %s: %w", productID, err)
	}
	h := BuildHistory(*p, records)
	return &h, nil
}

// BuildComparison 按价格升序列出全部报价（含缺货 -1），
// 最便宜与最贵只在 price > 0 的报价中选取。
func BuildComparison(p model.Product, records []model.PriceRecord) Comparison {
	prices := make([]CompetitorPrice, 0, len(records))
	for _, r := range records {
		prices = append(prices, toCompetitorPrice(r))
	}
	sort.SliceStable(prices, func(i, j int) bool { return prices[i].Price < prices[j].Price })

	c := Comparison{
		ProductID:        p.ID,
		ProductName:      p.Name,
		OwnPrice:         p.OwnPrice,
		AverageMarket:    p.AverageMarketPrice,
		CompetitorPrices: prices,
	}
	for i := range prices {
		if !model.IsValidPrice(prices[i].Price) {
			continue
		}
		if c.Cheapest == nil {
			c.Cheapest = &prices[i]
		}
		c.MostExpensive = &prices[i]
	}
	return c
}

// BuildHistory 把 price > 0 的记录按 captured_at 的 UTC 日期分组。
func BuildHistory(p model.Product, records []model.PriceRecord) History {
	byDay := make(map[string]*DailyPrices)
	for _, r := range records {
		if !model.IsValidPrice(r.Price) {
			continue
		}
		day := r.CapturedAt.UTC().Format(time.DateOnly)
		d, ok := byDay[day]
		if !ok {
			d = &DailyPrices{Date: day, MinPrice: r.Price, MaxPrice: r.Price}
			byDay[day] = d
		}
		d.MinPrice = min(d.MinPrice, r.Price)
		d.MaxPrice = max(d.MaxPrice, r.Price)
		d.Prices = append(d.Prices, toCompetitorPrice(r))
	}

	daily := make([]DailyPrices, 0, len(byDay))
	for _, d := range byDay {
		daily = append(daily, *d)
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date > daily[j].Date })

	return History{
		ProductID:   p.ID,
		ProductName: p.Name,
		OwnPrice:    p.OwnPrice,
		Daily:       daily,
	}
}

func toCompetitorPrice(r model.PriceRecord) CompetitorPrice {
	cp := CompetitorPrice{
		CompetitorID:    r.CompetitorID,
		ProductTitle:    r.ProductTitle,
		ProductURL:      r.ProductURL,
		Price:           r.Price,
		MatchPercentage: r.MatchPercentage,
		ConfidenceScore: r.ConfidenceScore,
		CapturedAt:      r.CapturedAt,
	}
	if r.Competitor != nil {
		cp.CompetitorName = r.Competitor.Name
		cp.WebsiteURL = r.Competitor.WebsiteURL
	}
	return cp
}
