package carriers

import (
	"regexp"
	"strings"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// Вторичный проход для "шумного" текста (SMS, пересланные сообщения):
// ключевое слово + разделитель + кандидат 8..30 символов.
var looseTokenRe = regexp.MustCompile(`(?i)(?:tracking|track|parcel|shipment|shipped|delivery|отслеживан[а-яё]*|трек(?:[\s-]?номер)?|посылк[а-яё]*|отправлени[а-яё]*)[\s:#№=-]{0,4}([A-Za-z0-9]{8,30})\b`)

var bareShortDigitsRe = regexp.MustCompile(`^\d{8,9}$`)

// ScanText extracts tracking candidates from free-form human text.
// The primary pass (ExtractAll) optimises precision; the secondary
// keyword-anchored pass trades precision for recall but drops bare
// 8-9 digit runs, which are almost always phone numbers or codes.
func ScanText(text string) []models.TrackingCandidate {
	out := ExtractAll(text)
	seen := make(map[string]struct{}, len(out))
	for _, c := range out {
		seen[c.TrackingNumber] = struct{}{}
	}

	for _, m := range looseTokenRe.FindAllStringSubmatch(text, -1) {
		tok := strings.ToUpper(m[1])
		if len(tok) < 8 {
			continue
		}
		if bareShortDigitsRe.MatchString(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, models.TrackingCandidate{TrackingNumber: tok, Carrier: Classify(tok)})
	}
	return out
}
