package emailparse

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/michaelmichaeli/mailtrack/internal/carriers"
	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// Веса слагаемых confidence. Сумма всех четырёх даёт ровно 1.0.
const (
	confMerchant = 0.3
	confTracking = 0.3
	confOrderID  = 0.2
	confItems    = 0.2
)

const maxItems = 10

type merchantRule struct {
	pattern  string // lowercase substring of from+subject+body
	merchant string
	platform string
}

// Порядок важен: первое совпадение выигрывает.
var merchantRules = []merchantRule{
	{"amazon", "Amazon", models.PlatformAmazon},
	{"aliexpress", "AliExpress", models.PlatformAliExpress},
	{"ebay", "eBay", models.PlatformEbay},
	{"etsy", "Etsy", models.PlatformEtsy},
	{"walmart", "Walmart", models.PlatformWalmart},
	{"target.com", "Target", models.PlatformTarget},
	{"bestbuy", "Best Buy", models.PlatformBestBuy},
	{"best buy", "Best Buy", models.PlatformBestBuy},
	{"shopify", "Shopify", models.PlatformShopify},
}

// Parse extracts structured shipment facts from one email. It never
// fails: missing signals yield nil fields and a lower confidence.
func Parse(html, from, subject string) models.ParsedEmail {
	body := flattenHTML(html)
	corpus := from + " " + subject + " " + body
	lowCorpus := strings.ToLower(corpus)

	out := models.ParsedEmail{Platform: models.PlatformUnknown}

	merchantKnown := false
	for _, r := range merchantRules {
		if strings.Contains(lowCorpus, r.pattern) {
			out.Merchant = r.merchant
			out.Platform = r.platform
			merchantKnown = true
			break
		}
	}
	if !merchantKnown {
		out.Merchant = displayName(from)
	}

	if out.Platform == models.PlatformAmazon {
		tn, items := parseAmazon(subject, body)
		out.TrackingNumber = tn
		out.Items = items
		if id := findOrderID(corpus); id != "" {
			out.OrderID = &id
		}
	} else {
		if cands := carriers.ScanText(corpus); len(cands) > 0 {
			out.TrackingNumber = &cands[0].TrackingNumber
		}
		if id := findOrderID(corpus); id != "" {
			out.OrderID = &id
		}
		out.Items = extractItemsHTML(html)
	}

	if out.TrackingNumber != nil {
		c := carriers.Classify(*out.TrackingNumber)
		out.Carrier = &c
	}

	if amount, currency, ok := findPrice(corpus); ok {
		out.TotalAmount = &amount
		out.Currency = &currency
	}
	if d, ok := findOrderDate(corpus); ok {
		out.OrderDate = &d
	}
	if st, ok := findStatusPhrase(subject + " " + body); ok {
		out.Status = &st
	}

	if merchantKnown {
		out.Confidence += confMerchant
	}
	if out.TrackingNumber != nil {
		out.Confidence += confTracking
	}
	if out.OrderID != nil {
		out.Confidence += confOrderID
	}
	if len(out.Items) > 0 {
		out.Confidence += confItems
	}
	return out
}

// flattenHTML strips non-content markup and returns plain text. A body
// that does not parse as HTML is returned as-is.
func flattenHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("style,script,head,noscript").Remove()
	return squashSpace(doc.Text())
}

var spaceRe = regexp.MustCompile(`[\s\x{00a0}]+`)

func squashSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

var fromDisplayRe = regexp.MustCompile(`^\s*"?([^"<@]+?)"?\s*<`)

// displayName pulls a human-readable sender out of a From header,
// falling back to the address domain.
func displayName(from string) string {
	if m := fromDisplayRe.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1])
	}
	if at := strings.IndexByte(from, '@'); at >= 0 {
		domain := from[at+1:]
		domain = strings.TrimRight(domain, "> ")
		if dot := strings.IndexByte(domain, '.'); dot > 0 {
			domain = domain[:dot]
		}
		if domain != "" {
			return strings.ToUpper(domain[:1]) + domain[1:]
		}
	}
	return strings.TrimSpace(from)
}

var orderIDRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)order\s*#\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{3,29})`),
	regexp.MustCompile(`(?i)order\s+number[:\s#]*([A-Za-z0-9][A-Za-z0-9-]{3,29})`),
	regexp.MustCompile(`(?i)confirmation\s*#?[:\s]*([A-Za-z0-9][A-Za-z0-9-]{3,29})`),
	regexp.MustCompile(`\b(\d{3}-\d{7}-\d{7})\b`),
}

func findOrderID(corpus string) string {
	for _, re := range orderIDRes {
		if m := re.FindStringSubmatch(corpus); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

// Структурные селекторы для товарных позиций в типовых шаблонах писем.
// Первый селектор с хотя бы одним совпадением выигрывает.
var itemSelectors = []string{
	".item-name", ".product-name", ".item-title", ".product-title",
	"td.item", "td.product", "li.item", "li.product",
}

func extractItemsHTML(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	for _, sel := range itemSelectors {
		var items []string
		seen := make(map[string]struct{})
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if len(items) >= maxItems {
				return
			}
			name := squashSpace(s.Text())
			if name == "" {
				return
			}
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				return
			}
			seen[key] = struct{}{}
			items = append(items, name)
		})
		if len(items) > 0 {
			return items
		}
	}
	return nil
}
