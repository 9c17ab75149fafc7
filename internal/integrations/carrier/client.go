package carrier

import (
	"context"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// Client — один upstream-источник статусов. Возврат (nil, nil) означает
// "данных нет, попробуйте позже": rate limit, пустой ответ, не-JSON.
// Это не ошибка, батч-операции продолжают работу.
type Client interface {
	Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error)
}

// FetchGate ограничивает живые запросы по трек-номеру: не чаще одного
// раза за окно. Владение состоянием — у вызывающей стороны (redis или
// память процесса); холодный рестарт просто сбрасывает окно.
type FetchGate interface {
	Allow(ctx context.Context, trackingNumber string, window time.Duration) (bool, error)
}
