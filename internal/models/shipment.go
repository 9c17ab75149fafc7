package models

import "time"

// Нормализованные статусы. Первые шесть образуют прямой порядок движения
// посылки, EXCEPTION/RETURNED — боковые состояния вне порядка.
const (
	StatusUnknown        = "UNKNOWN"
	StatusOrdered        = "ORDERED"
	StatusProcessing     = "PROCESSING"
	StatusShipped        = "SHIPPED"
	StatusInTransit      = "IN_TRANSIT"
	StatusOutForDelivery = "OUT_FOR_DELIVERY"
	StatusDelivered      = "DELIVERED"
	StatusException      = "EXCEPTION"
	StatusReturned       = "RETURNED"
)

var statusOrder = []string{
	StatusOrdered,
	StatusProcessing,
	StatusShipped,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
}

// StatusRank возвращает индекс статуса в прямом порядке движения,
// -1 для боковых состояний и UNKNOWN.
func StatusRank(status string) int {
	for i, s := range statusOrder {
		if s == status {
			return i
		}
	}
	return -1
}

// IsSideStatus reports whether the status sits outside the forward
// progression and may be entered from any prior state.
func IsSideStatus(status string) bool {
	return status == StatusException || status == StatusReturned
}

// Carrier identities recognised by the classifier.
const (
	CarrierUPS       = "UPS"
	CarrierUSPS      = "USPS"
	CarrierFedEx     = "FEDEX"
	CarrierDHL       = "DHL"
	CarrierRoyalMail = "ROYAL_MAIL"
	CarrierYanwen    = "YANWEN"
	CarrierCainiao   = "CAINIAO"
	CarrierDPD       = "DPD"
	CarrierUnknown   = "UNKNOWN"
)

// Merchant platforms detected by the email parser.
const (
	PlatformAmazon     = "AMAZON"
	PlatformAliExpress = "ALIEXPRESS"
	PlatformEbay       = "EBAY"
	PlatformEtsy       = "ETSY"
	PlatformShopify    = "SHOPIFY"
	PlatformWalmart    = "WALMART"
	PlatformTarget     = "TARGET"
	PlatformBestBuy    = "BESTBUY"
	PlatformUnknown    = "UNKNOWN"
)

// TrackingCandidate — результат классификации номера в тексте.
// Эфемерный: никогда не сохраняется сам по себе.
type TrackingCandidate struct {
	TrackingNumber string
	Carrier        string
}

// ParsedEmail holds the facts extracted from one shipping email plus a
// 0..1 confidence score. Missing signals are nil, never errors.
type ParsedEmail struct {
	Merchant       string
	Platform       string
	OrderID        *string
	TrackingNumber *string
	Carrier        *string
	Items          []string
	OrderDate      *time.Time
	TotalAmount    *float64
	Currency       *string
	Status         *string
	Confidence     float64
}

// CarrierEvent is one normalized tracking event from an upstream source.
// Upstream ordering is not trusted; (EventTime, Description) identifies it.
type CarrierEvent struct {
	EventTime   time.Time
	Location    *string
	Status      string
	Description string
}

// CarrierFetchResult is the outcome of one upstream query, already mapped
// onto the internal status vocabulary.
type CarrierFetchResult struct {
	TrackingNumber    string
	Carrier           string
	Status            string
	EstimatedDelivery *time.Time
	LastLocation      *string
	Events            []CarrierEvent
	PickupLocation    *string
}

type Order struct {
	ID          uint64
	UserID      uint64
	ExternalKey string
	Merchant    string
	Platform    string
	Status      string
	Items       []string
	OrderDate   *time.Time
	TotalAmount *float64
	Currency    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Package — единица отслеживания. TrackingNumber уникален в рамках
// пользователя и служит ключом сверки.
type Package struct {
	ID                uint64
	OrderID           uint64
	UserID            uint64
	TrackingNumber    string
	Carrier           string
	Status            string
	EstimatedDelivery *time.Time
	LastLocation      *string
	LastCheckedAt     *time.Time
	NextCheckAt       time.Time
	CheckFailCount    int32
	LastError         *string
	Events            []*TrackingEvent
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type TrackingEvent struct {
	ID          uint64
	PackageID   uint64
	Status      string
	EventTime   time.Time
	Location    *string
	Description string
	CreatedAt   time.Time
}

type PackageCreateInput struct {
	UserID         uint64
	OrderID        uint64
	Carrier        string
	TrackingNumber string
}
