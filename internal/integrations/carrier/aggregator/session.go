package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"github.com/michaelmichaeli/mailtrack/internal/models"
)

// MaxBatch — сколько трек-номеров агрегатор резолвит за одну сессию.
const MaxBatch = 10

const defaultTimeout = 20 * time.Second

// Session владеет одной долгоживущей браузерной сессией. Старт ленивый,
// закрытие явное. Параллельные батчи по одной сессии недопустимы —
// доступ сериализуется мьютексом.
type Session struct {
	mu      sync.Mutex
	baseURL string
	timeout time.Duration

	apiSubstr string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func NewSession(baseURL string, timeout time.Duration) *Session {
	if baseURL == "" {
		baseURL = "https://parcelsapp.com/en/tracking/"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Session{
		baseURL:   baseURL,
		timeout:   timeout,
		apiSubstr: "/api/v3/shipments",
	}
}

func (s *Session) ensureStarted() error {
	if s.browserCtx != nil {
		return nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return errors.Wrap(err, "start browser")
	}
	s.allocCancel = allocCancel
	s.browserCtx = ctx
	s.browserCancel = cancel
	return nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
		s.browserCtx = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}

// Внутренний JSON агрегатора, перехватываемый из network-событий.
type shipmentsResp struct {
	Shipments []struct {
		TrackingID            string `json:"trackingId"`
		EstimatedDeliveryDate string `json:"estimatedDeliveryDate"`
		PickupLocation        string `json:"pickupLocation"`
		States                []struct {
			Date      string `json:"date"`
			Stage     string `json:"stage"`
			SubStatus string `json:"sub_status"`
			Status    string `json:"status"` // составное "место - статус"
		} `json:"states"`
	} `json:"shipments"`
}

// FetchBatch резолвит до MaxBatch номеров за один проход. Допускает
// частичный результат: если потрачено больше 3/4 бюджета и хотя бы один
// номер раскрылся, принимаем что есть — латентность важнее полноты.
func (s *Session) FetchBatch(ctx context.Context, numbers []string) (map[string]*models.CarrierFetchResult, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	if len(numbers) > MaxBatch {
		numbers = numbers[:MaxBatch]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	defer tabCancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, s.timeout)
	defer timeoutCancel()

	var resMu sync.Mutex
	found := make(map[string]*models.CarrierFetchResult)

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventResponseReceived)
		if !ok || !strings.Contains(e.Response.URL, s.apiSubstr) {
			return
		}
		requestID := e.RequestID
		go func() {
			c := chromedp.FromContext(tabCtx)
			body, err := network.GetResponseBody(requestID).Do(cdp.WithExecutor(tabCtx, c.Target))
			if err != nil {
				return
			}
			var r shipmentsResp
			if json.Unmarshal(body, &r) != nil {
				return
			}
			resMu.Lock()
			for _, sh := range r.Shipments {
				if res := normalizeShipment(sh.TrackingID, sh.EstimatedDeliveryDate, sh.PickupLocation, sh.States); res != nil {
					found[res.TrackingNumber] = res
				}
			}
			resMu.Unlock()
		}()
	})

	target := s.baseURL + url.PathEscape(strings.Join(numbers, ","))
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(target),
	); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("aggregator navigate failed", "error", err.Error())
		return nil, nil
	}

	started := time.Now()
	softDeadline := time.Duration(float64(s.timeout) * 0.75)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return snapshot(found, &resMu), nil
		case <-tabCtx.Done():
			return snapshot(found, &resMu), nil
		case <-ticker.C:
			resMu.Lock()
			n := len(found)
			resMu.Unlock()
			if n >= len(numbers) {
				return snapshot(found, &resMu), nil
			}
			if n >= 1 && time.Since(started) >= softDeadline {
				return snapshot(found, &resMu), nil
			}
			if time.Since(started) >= s.timeout {
				return snapshot(found, &resMu), nil
			}
		}
	}
}

// Fetch makes the session usable as a carrier.Client for one number.
func (s *Session) Fetch(ctx context.Context, trackingNumber, carrierCode string) (*models.CarrierFetchResult, error) {
	res, err := s.FetchBatch(ctx, []string{trackingNumber})
	if err != nil || res == nil {
		return nil, err
	}
	out := res[strings.ToUpper(trackingNumber)]
	if out != nil && carrierCode != "" && carrierCode != models.CarrierUnknown {
		out.Carrier = carrierCode
	}
	return out, nil
}

func snapshot(m map[string]*models.CarrierFetchResult, mu *sync.Mutex) map[string]*models.CarrierFetchResult {
	mu.Lock()
	defer mu.Unlock()
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*models.CarrierFetchResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type aggState = struct {
	Date      string `json:"date"`
	Stage     string `json:"stage"`
	SubStatus string `json:"sub_status"`
	Status    string `json:"status"`
}

func normalizeShipment(trackingID, estimated, pickup string, states []aggState) *models.CarrierFetchResult {
	if trackingID == "" || len(states) == 0 {
		return nil
	}
	out := &models.CarrierFetchResult{
		TrackingNumber: strings.ToUpper(trackingID),
		Carrier:        models.CarrierUnknown,
		Status:         mapStage(states[0].Stage, states[0].SubStatus),
	}
	if estimated != "" {
		for _, layout := range []string{"2006-01-02", time.RFC3339} {
			if t, err := time.Parse(layout, estimated); err == nil {
				t = t.UTC()
				out.EstimatedDelivery = &t
				break
			}
		}
	}
	if pickup != "" {
		p := pickup
		out.PickupLocation = &p
	}
	for _, st := range states {
		loc, desc := splitLocation(st.Status)
		ev := models.CarrierEvent{
			Status:      mapStage(st.Stage, st.SubStatus),
			Description: desc,
			Location:    loc,
			EventTime:   parseAggTime(st.Date),
		}
		out.Events = append(out.Events, ev)
		if loc != nil && out.LastLocation == nil {
			out.LastLocation = loc
		}
	}
	return out
}

func parseAggTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
