// Package client talks to the upstream water-usage API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/waterstats/internal/config"
	obstracing "github.com/smallbiznis/waterstats/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	dateLayout     = "2006-01-02"
	zonelessLayout = "2006-01-02T15:04:05.999999999"
	maxErrorBody   = 4 << 10
)

var errResponseInvalid = errors.New("upstream_response_invalid")

type Client struct {
	baseURL string
	token   string
	loc     *time.Location
	http    *http.Client
	log     *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Client {
	timeout := cfg.Upstream.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.APIToken, cfg.Location(), &http.Client{Timeout: timeout}, log)
}

func NewWithHTTPClient(baseURL, token string, loc *time.Location, httpClient *http.Client, log *zap.Logger) *Client {
	if loc == nil {
		loc = time.Local
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		loc:     loc,
		http:    httpClient,
		log:     log.Named("usage.client"),
	}
}

type connectionPayload struct {
	ID            json.Number `json:"id"`
	Name          string      `json:"name"`
	Address       string      `json:"address"`
	AccountNumber string      `json:"account_number"`
	Status        string      `json:"status"`
	MeterSerial   string      `json:"meter_serial"`
}

type connectionsEnvelope struct {
	ServiceConnections []connectionPayload `json:"service_connections"`
}

type usagePayload struct {
	During            string      `json:"during"`
	TotalGallons      float64     `json:"total_gallons"`
	IrrigationGallons float64     `json:"irrigation_gallons"`
	IrrigationEvents  json.Number `json:"irrigation_events"`
	IsLeaking         bool        `json:"is_leaking"`
}

type usageResponse struct {
	UsageData  []usagePayload `json:"usage_data"`
	TotalItems int            `json:"total_items"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ListConnections returns every service connection visible to the token.
func (c *Client) ListConnections(ctx context.Context) ([]usagedomain.Connection, error) {
	body, err := c.get(ctx, "/service_connections", nil)
	if err != nil {
		return nil, err
	}

	var list []connectionPayload
	if err := json.Unmarshal(body, &list); err != nil {
		var envelope connectionsEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %w: %w", usagedomain.ErrUpstream, errResponseInvalid, err)
		}
		list = envelope.ServiceConnections
	}

	out := make([]usagedomain.Connection, 0, len(list))
	for _, item := range list {
		id := strings.TrimSpace(item.ID.String())
		if id == "" {
			continue
		}
		out = append(out, usagedomain.Connection{
			ID:            id,
			Name:          strings.TrimSpace(item.Name),
			Address:       strings.TrimSpace(item.Address),
			AccountNumber: strings.TrimSpace(item.AccountNumber),
			Status:        strings.TrimSpace(item.Status),
			MeterSerial:   strings.TrimSpace(item.MeterSerial),
		})
	}
	return out, nil
}

// Usage returns the raw records for one meter, in upstream order.
func (c *Client) Usage(ctx context.Context, meterID string, start, end time.Time, g usagedomain.Granularity) ([]usagedomain.UsageRecord, error) {
	ctx, span := otel.Tracer("waterstats/usage").Start(ctx, "upstream.usage")
	defer span.End()
	span.SetAttributes(obstracing.SafeAttributes(
		attribute.String("meter_id", meterID),
		attribute.String("granularity", string(g)),
	)...)

	query := url.Values{}
	query.Set("start_date", start.Format(time.RFC3339))
	query.Set("end_date", end.Format(time.RFC3339))
	query.Set("period", string(g))

	body, err := c.get(ctx, "/service_connections/"+url.PathEscape(meterID)+"/usage", query)
	if err != nil {
		span.RecordError(obstracing.SafeError(err))
		span.SetStatus(codes.Error, "upstream request failed")
		return nil, err
	}

	var resp usageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", usagedomain.ErrUpstream, errResponseInvalid, err)
	}

	records := make([]usagedomain.UsageRecord, 0, len(resp.UsageData))
	for _, item := range resp.UsageData {
		rec, err := c.toRecord(meterID, g, item)
		if err != nil {
			c.log.Warn("upstream.usage.record_invalid",
				zap.String("meter_id", meterID),
				zap.String("during", item.During),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

func (c *Client) toRecord(meterID string, g usagedomain.Granularity, item usagePayload) (usagedomain.UsageRecord, error) {
	start, end, err := ParseInterval(item.During, c.loc)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	if g == usagedomain.GranularityDay {
		start = LocalDay(start, c.loc)
		end = start.AddDate(0, 0, 1)
	}

	events, err := parseCount(item.IrrigationEvents)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}

	return usagedomain.UsageRecord{
		MeterID:              meterID,
		PeriodStart:          start,
		PeriodEnd:            end,
		Granularity:          g,
		TotalQuantity:        item.TotalGallons,
		IrrigationQuantity:   item.IrrigationGallons,
		IrrigationEventCount: events,
		Leak:                 item.IsLeaking,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: base url is not configured", usagedomain.ErrUpstream)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", usagedomain.ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	correlation.InjectIntoHeader(ctx, req.Header)
	obstracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", usagedomain.ErrUpstream, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s: %s", usagedomain.ErrUpstream, path, errorMessage(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", usagedomain.ErrUpstream, path, err)
	}
	return body, nil
}

func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// ParseInterval splits an ISO-8601 "<start>/<end>" interval. Timestamps
// without an offset are read in loc.
func ParseInterval(raw string, loc *time.Location) (time.Time, time.Time, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: interval %q", errResponseInvalid, raw)
	}
	start, err := ParseTimestamp(left, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseTimestamp(right, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: interval %q ends before it starts", errResponseInvalid, raw)
	}
	return start, end, nil
}

// ParseTimestamp accepts RFC 3339 timestamps and zone-less date-times or
// dates, which are read in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", errResponseInvalid)
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range []string{zonelessLayout, dateLayout} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", errResponseInvalid, raw)
}

// LocalDay maps a daily bucket start onto midnight of the same calendar date
// in loc. The upstream labels days with UTC midnight.
func LocalDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func parseCount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: irrigation_events %q", errResponseInvalid, n)
	}
	return int64(f), nil
}
