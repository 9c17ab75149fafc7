package carriers

import (
	"regexp"
	"strings"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// Правила проверяются строго по порядку: сначала структурные форматы,
// потом числовые fallback по длине. Первое совпадение выигрывает.
type rule struct {
	carrier string
	exact   *regexp.Regexp // full-string match for Classify
	scan    *regexp.Regexp // global match for ExtractAll
}

var rules = []rule{
	{
		carrier: models.CarrierUPS,
		exact:   regexp.MustCompile(`^1Z[A-Z0-9]{16}$`),
		scan:    regexp.MustCompile(`\b1Z[A-Z0-9]{16}\b`),
	},
	{
		carrier: models.CarrierUSPS,
		exact:   regexp.MustCompile(`^9\d{19,25}$`),
		scan:    regexp.MustCompile(`\b9\d{19,25}\b`),
	},
	{
		carrier: models.CarrierUSPS,
		exact:   regexp.MustCompile(`^[A-Z]{2}\d{9}US$`),
		scan:    regexp.MustCompile(`\b[A-Z]{2}\d{9}US\b`),
	},
	{
		carrier: models.CarrierRoyalMail,
		exact:   regexp.MustCompile(`^[A-Z]{2}\d{9}GB$`),
		scan:    regexp.MustCompile(`\b[A-Z]{2}\d{9}GB\b`),
	},
	{
		carrier: models.CarrierYanwen,
		exact:   regexp.MustCompile(`^Y[A-Z]\d{9}[A-Z]{2}$`),
		scan:    regexp.MustCompile(`\bY[A-Z]\d{9}[A-Z]{2}\b`),
	},
	{
		carrier: models.CarrierCainiao,
		exact:   regexp.MustCompile(`^(?:LP\d{12,16}|CAINIAO[A-Z0-9]{8,20})$`),
		scan:    regexp.MustCompile(`\b(?:LP\d{12,16}|CAINIAO[A-Z0-9]{8,20})\b`),
	},
	{
		carrier: models.CarrierFedEx,
		exact:   regexp.MustCompile(`^(?:\d{12}|\d{15}|\d{20})$`),
		scan:    regexp.MustCompile(`\b(?:\d{20}|\d{15}|\d{12})\b`),
	},
	{
		carrier: models.CarrierDPD,
		exact:   regexp.MustCompile(`^\d{14}$`),
		scan:    regexp.MustCompile(`\b\d{14}\b`),
	},
	{
		carrier: models.CarrierDHL,
		exact:   regexp.MustCompile(`^(?:\d{10}|[A-Z]{3}\d{7,20})$`),
		scan:    regexp.MustCompile(`\b(?:\d{10}|[A-Z]{3}\d{7,20})\b`),
	},
}

// Classify maps a single tracking-number-shaped string to a carrier id.
// Total: any input yields a carrier, unrecognised shapes yield UNKNOWN.
func Classify(text string) string {
	s := strings.ToUpper(strings.TrimSpace(text))
	if s == "" {
		return models.CarrierUnknown
	}
	for _, r := range rules {
		if r.exact.MatchString(s) {
			return r.carrier
		}
	}
	return models.CarrierUnknown
}

// ExtractAll scans arbitrary text with every pattern and returns all
// distinct tracking candidates. Dedup by uppercased number, first
// occurrence wins, so a specific format is never downgraded by a later
// numeric fallback.
func ExtractAll(text string) []models.TrackingCandidate {
	s := strings.ToUpper(text)
	var out []models.TrackingCandidate
	seen := make(map[string]struct{})
	for _, r := range rules {
		for _, m := range r.scan.FindAllString(s, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, models.TrackingCandidate{TrackingNumber: m, Carrier: r.carrier})
		}
	}
	return out
}
