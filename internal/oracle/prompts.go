package oracle

import (
	"fmt"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
)

const systemPrompt = "Return strict JSON only."

// maxPromptTexts 送入决策 prompt 的可见文本上限。
const maxPromptTexts = 150

const decisionShape = `{
  "type": "Navigate | Click | ExtractProduct | Stop",
  "url": "optional",
  "cssSelector": "optional",
  "reason": "short explanation"
}`

const extractionShape = `{
  "productTitle": "...",
  "productUrl": "...",
  "price": 0,
  "matchPercentage": 0,
  "confidenceScore": 0
}`

const discoveryShape = `[
  {
    "competitorName": "...",
    "websiteUrl": "...",
    "credibilityScore": 0,
    "suggestedRank": 0,
    "reason": "..."
  }
]`

func buildDecisionPrompt(productName string, snap *agent.PageSnapshot, step int) string {
	texts := snap.VisibleTexts
	if len(texts) > maxPromptTexts {
		texts = texts[:maxPromptTexts]
	}
	links := make([]string, 0, len(snap.Links))
	for _, l := range snap.Links {
		links = append(links, fmt.Sprintf("%s | %s | %s", l.Text, l.Href, l.Selector))
	}

	var b strings.Builder
	b.WriteString("You are an AI web navigation agent looking for the product page of a single product.\n\n")
	fmt.Fprintf(&b, "STEP: %d\nPRODUCT: %s\n\n", step, productName)
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\n\n", snap.URL, snap.Title)
	b.WriteString("VISIBLE TEXTS:\n")
	b.WriteString(strings.Join(texts, "\n"))
	b.WriteString("\n\nLINKS (text | href | cssSelector):\n")
	b.WriteString(strings.Join(links, "\n"))
	b.WriteString("\n\nReturn ONLY valid JSON in this shape:\n")
	b.WriteString(decisionShape)
	return b.String()
}

func buildExtractionPrompt(productName string, snap *agent.PageSnapshot) string {
	var b strings.Builder
	b.WriteString("شما یک تحلیل گر قیمت هستید. هدف، استخراج نام محصول، قیمت و لینک صحیح از صفحه است.\n")
	fmt.Fprintf(&b, "محصول هدف: %s\n", productName)
	fmt.Fprintf(&b, "آدرس صفحه: %s\n", snap.URL)
	fmt.Fprintf(&b, "عنوان صفحه: %s\n\n", snap.Title)
	b.WriteString("متن های قابل مشاهده:\n")
	b.WriteString(strings.Join(snap.VisibleTexts, "\n"))
	b.WriteString("\n\nقیمت را به تومان برگردانید. اگر کالا ناموجود است price را -1 و اگر قیمتی پیدا نشد 0 قرار دهید.\n")
	b.WriteString("خروجی را فقط به صورت JSON برگردانید با کلیدهای زیر:\n")
	b.WriteString(extractionShape)
	return b.String()
}

func buildDiscoveryPrompt(productName string, searchResults []string) string {
	var b strings.Builder
	b.WriteString("شما باید سایت های فروشنده مرتبط را از نتایج جست و جو استخراج کنید.\n")
	fmt.Fprintf(&b, "محصول هدف: %s\n\n", productName)
	b.WriteString("نتایج خام جست و جو:\n")
	b.WriteString(strings.Join(searchResults, "\n"))
	b.WriteString("\n\nخروجی را فقط به صورت JSON آرایه ای برگردانید:\n")
	b.WriteString(discoveryShape)
	return b.String()
}

// hasPriceText 页面可见文本中出现货币单位时，基本可以断定已在商品页。
func hasPriceText(snap *agent.PageSnapshot) bool {
	for _, t := range snap.VisibleTexts {
		if strings.Contains(t, "تومان") || strings.Contains(t, "ریال") {
			return true
		}
	}
	return false
}
