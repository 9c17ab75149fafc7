package aggregator

import (
	"strings"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

type stageRule struct {
	needle string
	status string
}

// Словарь фиксированный, сравнение — регистронезависимый substring по
// stage + sub_status. Порядок: терминальные и специфичные раньше общих.
var stageRules = []stageRule{
	{"returned", models.StatusReturned},
	{"return to sender", models.StatusReturned},
	{"exception", models.StatusException},
	{"failed attempt", models.StatusException},
	{"refused", models.StatusException},
	{"delivered", models.StatusDelivered},
	{"ready for pickup", models.StatusOutForDelivery},
	{"available for pickup", models.StatusOutForDelivery},
	{"out for delivery", models.StatusOutForDelivery},
	{"in transit", models.StatusInTransit},
	{"arrived", models.StatusInTransit},
	{"departed", models.StatusInTransit},
	{"picked up", models.StatusShipped},
	{"accepted", models.StatusShipped},
	{"shipment information", models.StatusProcessing},
	{"info received", models.StatusProcessing},
}

func mapStage(stage, subStatus string) string {
	hay := strings.ToLower(stage + " " + subStatus)
	for _, r := range stageRules {
		if strings.Contains(hay, r.needle) {
			return r.status
		}
	}
	return models.StatusInTransit
}

// splitLocation разделяет составное описание "место - статус" по
// ПОСЛЕДНЕМУ " - ": upstream не отдаёт поля раздельно, и сам статус
// дефисов не содержит, а название места — может.
func splitLocation(desc string) (*string, string) {
	i := strings.LastIndex(desc, " - ")
	if i < 0 {
		return nil, strings.TrimSpace(desc)
	}
	loc := strings.TrimSpace(desc[:i])
	rest := strings.TrimSpace(desc[i+3:])
	if loc == "" {
		return nil, rest
	}
	return &loc, rest
}
