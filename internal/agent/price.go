package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// 形如 "12,500 تومان" / "1,250,000 ریال" 的金额，千分位逗号必需。
var priceTextRe = regexp.MustCompile(`(?i)(\d{1,3}(,\d{3})+)\s*(تومان|ریال)`)

const rialUnit = "ریال"

// 波斯 / 阿拉伯数字与千分位符号转为 ASCII，便于正则匹配。
var digitNormalizer = strings.NewReplacer(
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"٬", ",", "،", ",",
)

// ExtractPrice 从可见文本中找第一个带币种的金额，统一换算为托曼。
//
// 参数:
//
//	text: 页面可见文本
//
// 返回值:
//
//	float64: 托曼金额（里亚尔除以 10）
//	bool: 是否找到
func ExtractPrice(text string) (float64, bool) {
	m := priceTextRe.FindStringSubmatch(digitNormalizer.Replace(text))
	if m == nil {
		return 0, false
	}

	price, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	if m[3] == rialUnit {
		price /= 10
	}
	return price, true
}
