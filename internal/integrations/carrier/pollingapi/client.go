package pollingapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/michaelmichaeli/mailtrack/internal/integrations/carrier"
	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// DefaultFetchWindow — не чаще одного живого запроса на трек-номер
// за 5 минут: upstream публичный и без ключа, его легко уронить.
const DefaultFetchWindow = 5 * time.Minute

type Client struct {
	baseURL string
	httpc   *http.Client
	gate    carrier.FetchGate
	window  time.Duration
}

func New(baseURL string, gate carrier.FetchGate) *Client {
	if baseURL == "" {
		baseURL = "https://api.parcel-status.net"
	}
	return &Client{
		baseURL: baseURL,
		gate:    gate,
		window:  DefaultFetchWindow,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) WithWindow(w time.Duration) *Client {
	if w > 0 {
		c.window = w
	}
	return c
}

type upstreamResp struct {
	Status string `json:"status"`
	Data   struct {
		Status            string `json:"status"`
		EstimatedDelivery string `json:"estimatedDelivery"`
		Events            []struct {
			Date        string `json:"date"`
			Action      string `json:"action"`
			Description string `json:"description"`
		} `json:"events"`
	} `json:"data"`
}

// Грубый статус отправления в словаре upstream.
var coarseStatusMap = map[string]string{
	"inforeceived":   models.StatusProcessing,
	"pickup":         models.StatusShipped,
	"intransit":      models.StatusInTransit,
	"outfordelivery": models.StatusOutForDelivery,
	"delivered":      models.StatusDelivered,
	"undelivered":    models.StatusException,
	"exception":      models.StatusException,
	"returned":       models.StatusReturned,
	"expired":        models.StatusUnknown,
	"notfound":       models.StatusUnknown,
}

// Тонкие коды операций по событиям. Проверяются раньше грубого статуса
// и могут его переопределить на уровне события: финальная вручная
// передача — DELIVERED, даже если общий статус ещё "in transit".
var actionCodeMap = map[string]string{
	"GTMS_SIGNED":       models.StatusDelivered,
	"GTMS_DELIVERED":    models.StatusDelivered,
	"GTMS_OUT_FOR_DLV":  models.StatusOutForDelivery,
	"LM_OUT_FOR_DLV":    models.StatusOutForDelivery,
	"GTMS_ARRIVED":      models.StatusInTransit,
	"GTMS_DEPARTED":     models.StatusInTransit,
	"PU_PICKUP_SUCCESS": models.StatusShipped,
	"SC_ACCEPTED":       models.StatusShipped,
	"GTMS_REFUSED":      models.StatusException,
	"GTMS_RETURNED":     models.StatusReturned,
}

func (c *Client) Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error) {
	if c.gate != nil {
		allowed, err := c.gate.Allow(ctx, trackingNumber, c.window)
		if err != nil {
			return nil, errors.Wrap(err, "fetch gate")
		}
		if !allowed {
			// Внутри окна — no-op, не ошибка.
			return nil, nil
		}
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/track.json"
	q := u.Query()
	q.Set("number", trackingNumber)
	if carrierCode != "" && carrierCode != models.CarrierUnknown {
		q.Set("carrier", strings.ToLower(carrierCode))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("polling fetch failed", "tracking_number", trackingNumber, "error", err.Error())
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slog.Warn("polling fetch non-2xx", "tracking_number", trackingNumber, "code", resp.StatusCode)
		return nil, nil
	}

	var r upstreamResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		slog.Warn("polling fetch non-json", "tracking_number", trackingNumber, "error", err.Error())
		return nil, nil
	}
	if r.Status != "ok" || len(r.Data.Events) == 0 {
		return nil, nil
	}

	return normalize(trackingNumber, carrierCode, r), nil
}

func normalize(trackingNumber, carrierCode string, r upstreamResp) *models.CarrierFetchResult {
	out := &models.CarrierFetchResult{
		TrackingNumber: trackingNumber,
		Carrier:        carrierCode,
		Status:         mapCoarseStatus(r.Data.Status),
	}
	if r.Data.EstimatedDelivery != "" {
		if t, err := time.Parse("2006-01-02", r.Data.EstimatedDelivery); err == nil {
			t = t.UTC()
			out.EstimatedDelivery = &t
		}
	}
	for _, e := range r.Data.Events {
		ev := models.CarrierEvent{
			Status:      mapEventStatus(e.Action, out.Status),
			Description: e.Description,
			EventTime:   parseEventTime(e.Date),
		}
		if loc := bracketedLocation(e.Description); loc != "" {
			ev.Location = &loc
		}
		out.Events = append(out.Events, ev)
		if ev.Location != nil {
			out.LastLocation = ev.Location
		}
	}
	return out
}

func mapCoarseStatus(s string) string {
	if st, ok := coarseStatusMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st
	}
	return models.StatusUnknown
}

// mapEventStatus смотрит сначала тонкий код операции, потом общий статус.
func mapEventStatus(action, coarse string) string {
	if st, ok := actionCodeMap[strings.ToUpper(strings.TrimSpace(action))]; ok {
		return st
	}
	if coarse != models.StatusUnknown {
		return coarse
	}
	return models.StatusInTransit
}

func parseEventTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "02.01.2006 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

var bracketRe = regexp.MustCompile(`\[([^\[\]]+)\]`)

// bracketedLocation достаёт локацию из описания вида "Delivered [LONDON]".
func bracketedLocation(desc string) string {
	if m := bracketRe.FindStringSubmatch(desc); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
