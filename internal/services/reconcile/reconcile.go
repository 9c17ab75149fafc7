package reconcile

import (
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// ConfidenceThreshold — письма с confidence ниже порога слишком
// спекулятивны и отбрасываются целиком до сверки.
const ConfidenceThreshold = 0.2

// Окно дедупликации событий: upstream при повторных опросах отдаёт то же
// логическое событие с дрожащими часами.
const eventDedupWindow = 2 * time.Second

// Outcome — результат одной сверки. State — новое состояние посылки,
// NewEvents — события, которых раньше не было, Notify — нужно ли слать
// уведомление (ровно тогда, когда статус изменил значение).
type Outcome struct {
	State     *models.Package
	NewEvents []models.CarrierEvent
	Notify    bool
	Created   bool
	Discarded bool
}

// AdvanceStatus применяет правило монотонного продвижения для
// email-доказательств: новый статус пишется только если его индекс в
// прямом порядке строго больше текущего. Боковые состояния
// (EXCEPTION/RETURNED) разрешены из любого предыдущего — они вне
// порядка и ординально не сравниваются.
func AdvanceStatus(current, incoming string) (string, bool) {
	if incoming == "" || incoming == models.StatusUnknown {
		return current, false
	}
	if models.IsSideStatus(incoming) {
		if incoming == current {
			return current, false
		}
		return incoming, true
	}
	if models.StatusRank(incoming) > models.StatusRank(current) {
		return incoming, true
	}
	return current, false
}

// MergeItems добавляет новые позиции в конец, не трогая существующие.
// Сравнение точное, с учётом регистра; удаления не бывает.
func MergeItems(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, it := range existing {
		seen[it] = struct{}{}
	}
	out := existing
	for _, it := range incoming {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// dedupEvents отбирает входящие события, которых ещё нет на посылке:
// дубликат — точное совпадение описания при таймстемпе в пределах ±2с.
func dedupEvents(existing []*models.TrackingEvent, incoming []models.CarrierEvent) []models.CarrierEvent {
	var fresh []models.CarrierEvent
	for _, in := range incoming {
		dup := false
		for _, ex := range existing {
			if ex.Description == in.Description && within(ex.EventTime, in.EventTime, eventDedupWindow) {
				dup = true
				break
			}
		}
		// Повторы внутри одного батча тоже схлопываем.
		for _, acc := range fresh {
			if dup {
				break
			}
			if acc.Description == in.Description && within(acc.EventTime, in.EventTime, eventDedupWindow) {
				dup = true
			}
		}
		if dup {
			continue
		}
		fresh = append(fresh, in)
	}
	return fresh
}

func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

// ApplyEmail сверяет доказательство из разобранного письма с текущим
// состоянием посылки. current == nil означает, что посылки ещё нет.
func ApplyEmail(current *models.Package, ev models.ParsedEmail) Outcome {
	if ev.Confidence < ConfidenceThreshold {
		return Outcome{State: current, Discarded: true}
	}

	if current == nil {
		if ev.TrackingNumber == nil {
			return Outcome{Discarded: true}
		}
		st := &models.Package{
			TrackingNumber: *ev.TrackingNumber,
			Carrier:        models.CarrierUnknown,
			Status:         models.StatusOrdered,
		}
		if ev.Carrier != nil {
			st.Carrier = *ev.Carrier
		}
		if ev.Status != nil {
			if next, _ := AdvanceStatus(st.Status, *ev.Status); next != "" {
				st.Status = next
			}
		}
		return Outcome{State: st, Created: true}
	}

	st := *current
	out := Outcome{State: &st}
	if ev.Status != nil {
		if next, changed := AdvanceStatus(st.Status, *ev.Status); changed {
			st.Status = next
			out.Notify = true
		}
	}
	if st.Carrier == models.CarrierUnknown && ev.Carrier != nil {
		st.Carrier = *ev.Carrier
	}
	return out
}

// ApplyFetch сверяет результат живого опроса перевозчика. Перевозчик —
// источник истины: его статус перезаписывает хранимый без ординальной
// проверки, но только при фактическом отличии — то же отличие и
// триггерит уведомление.
func ApplyFetch(current *models.Package, res *models.CarrierFetchResult) Outcome {
	if res == nil {
		return Outcome{State: current}
	}

	if current == nil {
		st := &models.Package{
			TrackingNumber: res.TrackingNumber,
			Carrier:        res.Carrier,
			Status:         res.Status,
			LastLocation:   res.LastLocation,
		}
		if res.EstimatedDelivery != nil {
			st.EstimatedDelivery = res.EstimatedDelivery
		}
		return Outcome{
			State:     st,
			NewEvents: dedupEvents(nil, res.Events),
			Created:   true,
		}
	}

	st := *current
	out := Outcome{State: &st}

	if res.Status != "" && res.Status != models.StatusUnknown && res.Status != st.Status {
		st.Status = res.Status
		out.Notify = true
	}
	if res.EstimatedDelivery != nil {
		st.EstimatedDelivery = res.EstimatedDelivery
	}
	if res.LastLocation != nil {
		st.LastLocation = res.LastLocation
	}
	if st.Carrier == models.CarrierUnknown && res.Carrier != "" && res.Carrier != models.CarrierUnknown {
		st.Carrier = res.Carrier
	}

	out.NewEvents = dedupEvents(current.Events, res.Events)
	return out
}

// MergeOrder вливает факты письма в контейнер заказа. Возвращает true,
// если что-то изменилось. Числа и дата — first-writer-wins: позднее,
// возможно менее надёжное доказательство их не перетирает.
func MergeOrder(ord *models.Order, ev models.ParsedEmail) bool {
	changed := false

	if ev.Status != nil {
		if next, ok := AdvanceStatus(ord.Status, *ev.Status); ok {
			ord.Status = next
			changed = true
		}
	}
	if merged := MergeItems(ord.Items, ev.Items); len(merged) != len(ord.Items) {
		ord.Items = merged
		changed = true
	}
	if ord.TotalAmount == nil && ev.TotalAmount != nil {
		ord.TotalAmount = ev.TotalAmount
		changed = true
	}
	if ord.Currency == nil && ev.Currency != nil {
		ord.Currency = ev.Currency
		changed = true
	}
	if ord.OrderDate == nil && ev.OrderDate != nil {
		ord.OrderDate = ev.OrderDate
		changed = true
	}
	if ord.Merchant == "" && ev.Merchant != "" {
		ord.Merchant = ev.Merchant
		changed = true
	}
	return changed
}
