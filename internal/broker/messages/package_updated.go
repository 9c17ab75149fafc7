package messages

import "time"

// PackageUpdated — результат одного опроса перевозчика воркером.
// Публикуется в kafka, применяется к хранилищу на стороне API.
type PackageUpdated struct {
	PackageID      uint64    `json:"package_id"`
	TrackingNumber string    `json:"tracking_number"`
	CheckedAt      time.Time `json:"checked_at"`

	Status            string     `json:"status,omitempty"`
	Carrier           string     `json:"carrier,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	LastLocation      *string    `json:"last_location,omitempty"`

	NextCheckAt time.Time `json:"next_check_at"`

	Events []PackageEvent `json:"events,omitempty"`

	Error *string `json:"error,omitempty"`
}

type PackageEvent struct {
	Status      string    `json:"status"`
	EventTime   time.Time `json:"event_time"`
	Location    *string   `json:"location,omitempty"`
	Description string    `json:"description"`
}

// NotificationRequested — триггер push-уведомления. Ядро решает только
// КОГДА слать; доставка — забота внешнего канала.
type NotificationRequested struct {
	UserID         uint64 `json:"user_id"`
	TrackingNumber string `json:"tracking_number"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
}
