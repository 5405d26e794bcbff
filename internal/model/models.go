package model

import (
	"time"
	"unicode/utf8"
)

// JobStatus 抓取任务状态。
type JobStatus string

const (
	JobPending    JobStatus = "Pending"
	JobInProgress JobStatus = "InProgress"
	JobCompleted  JobStatus = "Completed"
	JobFailed     JobStatus = "Failed"
)

// DefaultCurrency 价格记录的默认币种。
const DefaultCurrency = "IRR"

// 价格语义: >0 为有效价格，0 表示未识别（不会入库），-1 表示明确缺货。
const (
	PriceNotDetected float64 = 0
	PriceOutOfStock  float64 = -1
)

// 模型给出的文本字段的列宽（字符数），入库前按此截断。
const (
	MaxNameLength  = 255
	MaxTitleLength = 512
	MaxURLLength   = 1024
)

// Truncate 按字符截断到最多 n 个 rune。
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Product 表示我们自己销售、需要跟踪市场价格的商品。
type Product struct {
	ID        string    `gorm:"type:char(36);primaryKey"` // UUID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Name     string  `gorm:"type:varchar(255);not null"` // 商品名称（同时用作搜索关键词）
	SKU      *string `gorm:"column:sku;type:varchar(64)"` // 可选 SKU
	OwnPrice float64 `gorm:"type:decimal(18,2)"`          // 我方售价

	// AverageMarketPrice 仅由 worker 写入: 该商品所有 price > 0 记录的均值。
	AverageMarketPrice *float64 `gorm:"type:decimal(18,2)"`
}

// Competitor 表示一个竞争对手网站。同一规范化 host 只允许存在一条记录。
type Competitor struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time // 创建时间

	Name             string `gorm:"type:varchar(255);not null"`             // 展示名称
	WebsiteURL       string `gorm:"column:website_url;type:varchar(512)"`   // 站点地址
	WebsiteHost      string `gorm:"type:varchar(191);uniqueIndex;not null"` // 规范化 host（去 www、小写）
	IsAutoDiscovered bool   `gorm:"default:false"`                          // 是否由 worker / 发现接口自动创建
}

// PriceRecord 一次价格观测，创建后不可修改。
type PriceRecord struct {
	ID           string `gorm:"type:char(36);primaryKey"`
	ProductID    string `gorm:"type:char(36);index;not null"`
	CompetitorID string `gorm:"type:char(36);index;not null"`

	ProductTitle    string    `gorm:"type:varchar(512)"`
	ProductURL      string    `gorm:"column:product_url;type:varchar(1024)"`
	Price           float64   `gorm:"type:decimal(18,2)"`         // >0 有效，-1 缺货
	Currency        string    `gorm:"type:varchar(8);default:IRR"` // 币种
	MatchPercentage float64   `gorm:"type:decimal(5,2)"`          // 与目标商品的匹配度 (0-100)
	ConfidenceScore float64   `gorm:"type:decimal(5,4)"`          // 提取置信度 (0-1)
	CapturedAt      time.Time `gorm:"index"`                      // 抓取时间

	Product    *Product    `gorm:"foreignKey:ProductID" json:",omitempty"`
	Competitor *Competitor `gorm:"foreignKey:CompetitorID" json:",omitempty"`
}

// ScrapeJob 对一个商品的一次定价请求。
//
// ID 自增，认领时按 (created_at, id) 排序，保证先创建先处理。
type ScrapeJob struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`

	ProductID    string     `gorm:"type:char(36);index;not null"`
	Status       JobStatus  `gorm:"type:varchar(16);index;not null;default:Pending"`
	AttemptCount int        `gorm:"default:0"`
	ErrorMessage *string    `gorm:"type:text"`
	CompletedAt  *time.Time // 完成时间（仅 Completed）

	Product *Product `gorm:"foreignKey:ProductID" json:",omitempty"`
}

// CompetitorSuggestion 记录发现接口给出的竞争对手排名建议。
type CompetitorSuggestion struct {
	ID               string  `gorm:"type:char(36);primaryKey"`
	ProductID        string  `gorm:"type:char(36);index"`
	CompetitorID     string  `gorm:"type:char(36);index"`
	SuggestedRank    int     // 1 为最相关
	Reason           string  `gorm:"type:text"`
	CredibilityScore float64 `gorm:"type:decimal(5,2)"`
}

// AllModels 返回需要自动迁移的全部模型。
func AllModels() []any {
	return []any{&Product{}, &Competitor{}, &PriceRecord{}, &ScrapeJob{}, &CompetitorSuggestion{}}
}

// IsValidPrice 判断价格是否参与均价计算。
func IsValidPrice(p float64) bool {
	return p > 0
}

// IsAcceptedPrice 判断提取结果能否入库: 有效价格或缺货标记。
func IsAcceptedPrice(p float64) bool {
	return p > 0 || p == PriceOutOfStock
}

// AveragePrice 计算 price > 0 的均值，没有有效价格时第二个返回值为 false。
func AveragePrice(prices []float64) (float64, bool) {
	var sum float64
	n := 0
	for _, p := range prices {
		if !IsValidPrice(p) {
			continue
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
