package emailparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

type priceRule struct {
	re       *regexp.Regexp
	currency string // "" = infer from symbol later, default USD
}

var priceRules = []priceRule{
	{regexp.MustCompile(`(?i)(?:grand\s+total|order\s+total|total|amount)[:\s]*\$\s*([0-9][0-9,]*(?:\.\d{1,2})?)`), "USD"},
	{regexp.MustCompile(`(?i)(?:grand\s+total|order\s+total|total|amount)[:\s]*€\s*([0-9][0-9,]*(?:[.,]\d{1,2})?)`), "EUR"},
	{regexp.MustCompile(`(?i)(?:grand\s+total|order\s+total|total|amount)[:\s]*£\s*([0-9][0-9,]*(?:\.\d{1,2})?)`), "GBP"},
	{regexp.MustCompile(`(?i)(?:grand\s+total|order\s+total|total|amount)[:\s]*([0-9][0-9,]*(?:\.\d{1,2})?)\s*(USD|EUR|GBP|RUB|CAD|AUD)\b`), ""},
	{regexp.MustCompile(`(?i)(?:grand\s+total|order\s+total|total)[:\s]+([0-9][0-9,]*\.\d{2})\b`), "USD"},
}

func findPrice(corpus string) (float64, string, bool) {
	for _, r := range priceRules {
		m := r.re.FindStringSubmatch(corpus)
		if m == nil {
			continue
		}
		raw := strings.ReplaceAll(m[1], ",", "")
		raw = strings.ReplaceAll(raw, " ", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		currency := r.currency
		if currency == "" && len(m) > 2 {
			currency = strings.ToUpper(m[2])
		}
		if currency == "" {
			currency = "USD"
		}
		return v, currency, true
	}
	return 0, "", false
}

var dateLabelRe = regexp.MustCompile(`(?i)(?:order(?:ed)?(?:\s+date)?|placed(?:\s+on)?|date)[:\s]+([A-Za-z]+\s+\d{1,2},?\s+\d{4}|\d{1,2}/\d{1,2}/\d{4}|\d{4}-\d{2}-\d{2})`)

var dateLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"1/2/2006",
	"2006-01-02",
}

// findOrderDate looks for a label-anchored date. An unparseable token
// degrades to "no date", never to an error.
func findOrderDate(corpus string) (time.Time, bool) {
	m := dateLabelRe.FindStringSubmatch(corpus)
	if m == nil {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type statusPhrase struct {
	phrase string
	status string
}

// Фразы проверяются по порядку: терминальные и специфичные раньше общих,
// чтобы "delivered" не перекрывался ранним совпадением "delivery".
var statusPhrases = []statusPhrase{
	{"could not be delivered", models.StatusException},
	{"delivery attempt", models.StatusException},
	{"delivery exception", models.StatusException},
	{"returned to sender", models.StatusReturned},
	{"has been returned", models.StatusReturned},
	{"has been delivered", models.StatusDelivered},
	{"was delivered", models.StatusDelivered},
	{"delivered", models.StatusDelivered},
	{"ready for pickup", models.StatusOutForDelivery},
	{"ready for collection", models.StatusOutForDelivery},
	{"out for delivery", models.StatusOutForDelivery},
	{"in transit", models.StatusInTransit},
	{"on its way", models.StatusInTransit},
	{"on the way", models.StatusInTransit},
	{"has shipped", models.StatusShipped},
	{"has been shipped", models.StatusShipped},
	{"shipped", models.StatusShipped},
	{"dispatched", models.StatusShipped},
	{"being prepared", models.StatusProcessing},
	{"is processing", models.StatusProcessing},
	{"order confirmed", models.StatusProcessing},
	{"order placed", models.StatusOrdered},
	{"thank you for your order", models.StatusOrdered},
}

func findStatusPhrase(text string) (string, bool) {
	low := strings.ToLower(text)
	for _, p := range statusPhrases {
		if strings.Contains(low, p.phrase) {
			return p.status, true
		}
	}
	return "", false
}
