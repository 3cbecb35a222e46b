// Package tools executes the small set of functions the voice model may call
// and always produces a payload the model can read, even on failure.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/shellie/pkg/metrics"
)

const (
	GetCurrentTime     = "getCurrentTime"
	GetCurrentLocation = "getCurrentLocation"
	GetWeather         = "getWeather"

	// DefaultLocateTimeout bounds a position lookup.
	DefaultLocateTimeout = 5 * time.Second
)

const (
	msgWeatherFailed = "Failed to fetch weather data."
	msgUnknownTool   = "Unknown tool requested."
	msgLocationFmt   = "Could not access location: %s"
)

// Call is one function invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Response answers a Call. Payload is the object sent back to the model.
type Response struct {
	ID      string
	Name    string
	Payload map[string]any
}

type Config struct {
	Locator       Locator
	Weather       *WeatherClient
	Now           func() time.Time
	LocateTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Dispatcher struct {
	locator       Locator
	weather       *WeatherClient
	now           func() time.Time
	locateTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		locator:       cfg.Locator,
		weather:       cfg.Weather,
		now:           cfg.Now,
		locateTimeout: cfg.LocateTimeout,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if d.locator == nil {
		d.locator = DeniedLocator{}
	}
	if d.weather == nil {
		d.weather = NewWeatherClient("", nil)
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.locateTimeout <= 0 {
		d.locateTimeout = DefaultLocateTimeout
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Execute runs the named tool. It never fails: problems are reported in an
// "error" field of the returned payload.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) map[string]any {
	var out map[string]any
	switch name {
	case GetCurrentTime:
		out = d.currentTime()
	case GetCurrentLocation:
		out = d.currentLocation(ctx)
	case GetWeather:
		out = d.currentWeather(ctx, args)
	default:
		out = errorPayload(msgUnknownTool)
	}

	outcome := "ok"
	if _, failed := out["error"]; failed {
		outcome = "error"
		d.logger.Warn("tool call failed", "tool", name, "error", out["error"])
	}
	d.metrics.RecordToolCall(metricName(name), outcome)
	return out
}

// Respond executes c and wraps the result the way the model expects it.
func (d *Dispatcher) Respond(ctx context.Context, c Call) Response {
	return Response{
		ID:      c.ID,
		Name:    c.Name,
		Payload: map[string]any{"result": d.Execute(ctx, c.Name, c.Args)},
	}
}

func (d *Dispatcher) currentTime() map[string]any {
	now := d.now()
	return map[string]any{
		"time": now.Format("3:04:05 PM"),
		"date": now.Format("1/2/2006"),
		"day":  now.Weekday().String(),
	}
}

func (d *Dispatcher) currentLocation(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, d.locateTimeout)
	defer cancel()

	type result struct {
		pos Position
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pos, err := d.locator.Locate(ctx)
		ch <- result{pos, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		return errorPayload(fmt.Sprintf(msgLocationFmt, locationReason(r.err)))
	}
	return map[string]any{
		"latitude":  r.pos.Latitude,
		"longitude": r.pos.Longitude,
	}
}

func (d *Dispatcher) currentWeather(ctx context.Context, args map[string]any) map[string]any {
	lat, okLat := numberArg(args, "latitude")
	lon, okLon := numberArg(args, "longitude")
	if !okLat || !okLon {
		return errorPayload(msgWeatherFailed)
	}
	w, err := d.weather.Current(ctx, lat, lon)
	if err != nil {
		d.logger.Debug("weather lookup failed", "error", err)
		return errorPayload(msgWeatherFailed)
	}
	return map[string]any{
		"temperature":    w.Temperature,
		"unit":           "Celsius",
		"windspeed":      w.WindSpeed,
		"condition_code": w.Code,
		"description":    w.Description(),
	}
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func locationReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout expired"
	case errors.Is(err, context.Canceled):
		return "Request canceled"
	default:
		return err.Error()
	}
}

func numberArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// metricName keeps label cardinality bounded when the model invents names.
func metricName(name string) string {
	switch name {
	case GetCurrentTime, GetCurrentLocation, GetWeather:
		return name
	default:
		return "unknown"
	}
}
