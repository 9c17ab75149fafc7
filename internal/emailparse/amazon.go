package emailparse

import (
	"regexp"
	"strings"

	"github.com/michaelmichaeli/mailtrack/internal/carriers"
)

// Amazon — доминирующий источник, для него отдельный глубокий разбор.
// Темы писем шаблонные и часто несут трек-номер прямо в subject, поэтому
// subject проверяется до тела: в теле лежит order id похожей формы,
// который нельзя захватить как трек.

const amazonItemWindowCap = 2000

var amazonNarrowTrackRe = regexp.MustCompile(`\b[A-Z]{2}\d{9,17}[A-Z]{0,2}\b`)

var digitRe = regexp.MustCompile(`\d`)

func parseAmazon(subject, body string) (*string, []string) {
	tn := amazonTrackingNumber(subject, body)
	items := amazonItems(body)
	if len(items) == 0 {
		items = amazonItemsFallback(body)
	}
	return tn, items
}

func amazonTrackingNumber(subject, body string) *string {
	if cands := carriers.ExtractAll(subject); len(cands) > 0 {
		return &cands[0].TrackingNumber
	}
	if cands := carriers.ScanText(body); len(cands) > 0 {
		return &cands[0].TrackingNumber
	}
	// Узкий fallback: 2 буквы + 9..17 цифр + 0..2 буквы. Строки с 10+
	// цифрами без буквенного суффикса — обычно order id, не трек.
	for _, m := range amazonNarrowTrackRe.FindAllString(strings.ToUpper(body), -1) {
		if len(m) > 18 {
			continue
		}
		digits := len(digitRe.FindAllString(m, -1))
		if digits >= 10 && !endsWithLetter(m) {
			continue
		}
		tok := m
		return &tok
	}
	return nil
}

func endsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c >= 'A' && c <= 'Z'
}

var amazonCloseAnchors = []string{"ship to", "download", "prices shown", "price shown"}

var amazonStopPhrases = []string{
	"your package", "track your package", "track package", "view or manage",
	"view order", "order details", "order total", "arriving", "shipped with",
	"sold by", "return or replace", "learn more", "get the", "see all",
	"delivered", "out for delivery", "on the way",
}

var amazonTrailingSuffixRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[,;\s]*(?:qty|quantity)[:.\s]*\d+\s*$`),
	regexp.MustCompile(`(?i)[,;\s]+(?:usa|united states|united kingdom|uk|china|germany|france|japan)\s*$`),
}

// amazonItems extracts item names from the bounded template window
// between the "package details" header and the first closing anchor.
// Границы ищутся без ToLower: он не сохраняет длину строки, и смещения
// по опущенной копии невалидны в исходном теле.
func amazonItems(body string) []string {
	start := indexASCIIFold(body, "package details")
	if start < 0 {
		return nil
	}
	start += len("package details")
	end := len(body)
	if start+amazonItemWindowCap < end {
		end = start + amazonItemWindowCap
	}
	for _, anchor := range amazonCloseAnchors {
		if i := indexASCIIFold(body[start:end], anchor); i >= 0 {
			end = start + i
		}
	}

	window := body[start:end]
	var items []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(window, ".") {
		if len(items) >= maxItems {
			break
		}
		line := strings.Trim(squashSpace(part), ":;-– ")
		if len(line) < 3 || len(line) > 120 {
			continue
		}
		if isAmazonBoilerplate(line) {
			continue
		}
		for _, re := range amazonTrailingSuffixRes {
			line = re.ReplaceAllString(line, "")
		}
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, line)
	}
	return items
}

// indexASCIIFold — strings.Index без учёта регистра ASCII; смещение
// валидно в исходной строке. sub должен быть в нижнем регистре.
func indexASCIIFold(s, sub string) int {
	n := len(sub)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(s); i++ {
		j := 0
		for ; j < n; j++ {
			c := s[i+j]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != sub[j] {
				break
			}
		}
		if j == n {
			return i
		}
	}
	return -1
}

func isAmazonBoilerplate(line string) bool {
	low := strings.ToLower(line)
	for _, p := range amazonStopPhrases {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}

var amazonItemLabelRe = regexp.MustCompile(`(?i)\bitems?\s*:\s*([^.\n]{3,100})`)

// Narrower fallback when the windowed extraction found nothing.
func amazonItemsFallback(body string) []string {
	var items []string
	seen := make(map[string]struct{})
	for _, m := range amazonItemLabelRe.FindAllStringSubmatch(body, -1) {
		if len(items) >= maxItems {
			break
		}
		line := squashSpace(m[1])
		if len(line) < 3 {
			continue
		}
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, line)
	}
	return items
}
