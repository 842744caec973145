package chute

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chutesim/chute/metrics"
)

const (
	// DefaultOpenMeteoURL is the public forecast endpoint.
	DefaultOpenMeteoURL = "https://api.open-meteo.com"
	openMeteoTimeLayout = "2006-01-02T15:04"
)

// WindProvider returns the hourly wind forecast at a location.
type WindProvider interface {
	Forecast(ctx context.Context, lat, lon float64) (*Forecast, error)
}

// Forecast is an hourly wind forecast at the reference altitudes.
type Forecast struct {
	Latitude  float64
	Longitude float64
	Times     []time.Time
	speeds    [len(ReferenceAltitudes)][]float64 // km/h
	dirs      [len(ReferenceAltitudes)][]float64 // degrees
}

// Hours returns the number of forecast hours.
func (f *Forecast) Hours() int {
	return len(f.Times)
}

// Profile returns the wind profile of the given forecast hour.
func (f *Forecast) Profile(hourIndex int) (WindProfile, error) {
	if hourIndex < 0 || hourIndex >= f.Hours() {
		return nil, windErr("profile", "hour index %d out of range [0, %d)", hourIndex, f.Hours())
	}
	samples := make([]WindSample, len(ReferenceAltitudes))
	for i, alt := range ReferenceAltitudes {
		samples[i] = NewWindSample(alt, f.speeds[i][hourIndex], f.dirs[i][hourIndex])
	}
	return NewWindProfile(samples...)
}

// HourIndex returns the index of the forecast hour containing t, or -1 when t is outside of the forecast.
func (f *Forecast) HourIndex(t time.Time) int {
	for i, h := range f.Times {
		if !t.Before(h) && t.Before(h.Add(time.Hour)) {
			return i
		}
	}
	return -1
}

// WindReportRow summarizes the wind and standard atmosphere at one altitude.
type WindReportRow struct {
	Altitude    float64 `json:"altitude"`    // m
	Speed       float64 `json:"speed"`       // m/s
	Direction   float64 `json:"direction"`   // degrees
	Cardinal    string  `json:"cardinal"`    // eight point compass name
	Temperature float64 `json:"temperature"` // °C
	Pressure    float64 `json:"pressure"`    // kPa
}

// Report returns the wind report of a forecast hour, highest altitude first.
func (f *Forecast) Report(hourIndex int) ([]WindReportRow, error) {
	if hourIndex < 0 || hourIndex >= f.Hours() {
		return nil, windErr("report", "hour index %d out of range [0, %d)", hourIndex, f.Hours())
	}
	rows := make([]WindReportRow, 0, len(ReferenceAltitudes))
	for i := len(ReferenceAltitudes) - 1; i >= 0; i-- {
		alt := ReferenceAltitudes[i]
		dir := f.dirs[i][hourIndex]
		rows = append(rows, WindReportRow{
			Altitude:    alt,
			Speed:       f.speeds[i][hourIndex] * kmh2ms,
			Direction:   dir,
			Cardinal:    Cardinal(dir),
			Temperature: StandardTemperature(alt) - 273.15,
			Pressure:    StandardPressure(alt) / 10,
		})
	}
	return rows, nil
}

var cardinals = [8]string{"North", "North-East", "East", "South-East", "South", "South-West", "West", "North-West"}

// Cardinal returns the eight point compass name of a direction in degrees.
func Cardinal(deg float64) string {
	idx := int(math.Mod(math.Mod(deg+22.5, 360)+360, 360) / 45)
	return cardinals[idx%8]
}

// ParseForecast decodes an Open-Meteo hourly forecast response.
func ParseForecast(data []byte) (*Forecast, error) {
	var raw struct {
		Latitude  float64                    `json:"latitude"`
		Longitude float64                    `json:"longitude"`
		Offset    int                        `json:"utc_offset_seconds"`
		Hourly    map[string]json.RawMessage `json:"hourly"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &WindDataError{Op: "decode", Err: err}
	}
	if raw.Hourly == nil {
		return nil, windErr("decode", "response has no hourly data")
	}
	var stamps []string
	if err := decodeColumn(raw.Hourly, "time", &stamps); err != nil {
		return nil, err
	}
	if len(stamps) == 0 {
		return nil, windErr("decode", "hourly data is empty")
	}
	loc := time.FixedZone("", raw.Offset)
	fc := &Forecast{Latitude: raw.Latitude, Longitude: raw.Longitude, Times: make([]time.Time, len(stamps))}
	for i, s := range stamps {
		t, err := time.ParseInLocation(openMeteoTimeLayout, s, loc)
		if err != nil {
			return nil, &WindDataError{Op: "decode", Err: err}
		}
		fc.Times[i] = t
	}
	for i, alt := range ReferenceAltitudes {
		var err error
		if fc.speeds[i], err = numericColumn(raw.Hourly, fmt.Sprintf("wind_speed_%.0fm", alt), len(stamps)); err != nil {
			return nil, err
		}
		if fc.dirs[i], err = numericColumn(raw.Hourly, fmt.Sprintf("wind_direction_%.0fm", alt), len(stamps)); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

func decodeColumn(hourly map[string]json.RawMessage, name string, dst any) error {
	col, found := hourly[name]
	if !found {
		return windErr("decode", "hourly.%s is missing", name)
	}
	if err := json.Unmarshal(col, dst); err != nil {
		return &WindDataError{Op: "decode", Err: fmt.Errorf("hourly.%s: %w", name, err)}
	}
	return nil
}

// numericColumn decodes an array of n numbers, none of which may be null.
func numericColumn(hourly map[string]json.RawMessage, name string, n int) ([]float64, error) {
	var vals []*float64
	if err := decodeColumn(hourly, name, &vals); err != nil {
		return nil, err
	}
	if len(vals) < n {
		return nil, windErr("decode", "hourly.%s has %d values, expected %d", name, len(vals), n)
	}
	col := make([]float64, n)
	for i := 0; i < n; i++ {
		if vals[i] == nil {
			return nil, windErr("decode", "hourly.%s[%d] is null", name, i)
		}
		col[i] = *vals[i]
	}
	return col, nil
}

// OpenMeteo fetches forecasts from the Open-Meteo API. Responses are cached
// per location; it is safe for concurrent use.
type OpenMeteo struct {
	BaseURL string
	Client  *http.Client
	cache   *expirable.LRU[string, *Forecast]
}

// NewOpenMeteo returns a new provider. A zero cacheSize disables caching.
func NewOpenMeteo(baseURL string, timeout time.Duration, cacheSize int, ttl time.Duration) *OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	p := &OpenMeteo{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
	if cacheSize > 0 {
		p.cache = expirable.NewLRU[string, *Forecast](cacheSize, nil, ttl)
	}
	return p
}

// Query returns the forecast request URL of a location.
func (p *OpenMeteo) Query(lat, lon float64) string {
	fields := make([]string, 0, 2*len(ReferenceAltitudes))
	for _, alt := range ReferenceAltitudes {
		fields = append(fields, fmt.Sprintf("wind_speed_%.0fm", alt), fmt.Sprintf("wind_direction_%.0fm", alt))
	}
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%f", lat))
	params.Set("longitude", fmt.Sprintf("%f", lon))
	params.Set("hourly", strings.Join(fields, ","))
	params.Set("timezone", "auto")
	return p.BaseURL + "/v1/forecast?" + params.Encode()
}

// Forecast implements WindProvider.
func (p *OpenMeteo) Forecast(ctx context.Context, lat, lon float64) (*Forecast, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return nil, invalid("coordinates", "(%f, %f) is not a location", lat, lon)
	}
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)
	if p.cache != nil {
		if fc, ok := p.cache.Get(key); ok {
			metrics.ObserveWindFetch("hit")
			return fc, nil
		}
	}
	fc, err := p.fetch(ctx, lat, lon)
	if err != nil {
		metrics.ObserveWindFetch("error")
		return nil, err
	}
	metrics.ObserveWindFetch("miss")
	if p.cache != nil {
		p.cache.Add(key, fc)
	}
	return fc, nil
}

func (p *OpenMeteo) fetch(ctx context.Context, lat, lon float64) (*Forecast, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Query(lat, lon), nil)
	if err != nil {
		return nil, &WindDataError{Op: "request", Err: err}
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &WindDataError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, windErr("fetch", "HTTP status code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &WindDataError{Op: "fetch", Err: err}
	}
	return ParseForecast(body)
}

// StaticProvider returns the same profile for every location and every hour.
// The profile must be sampled at the reference altitudes.
type StaticProvider struct {
	Profile WindProfile
	Hours   int
}

// Forecast implements WindProvider.
func (p StaticProvider) Forecast(_ context.Context, lat, lon float64) (*Forecast, error) {
	if len(p.Profile) != len(ReferenceAltitudes) {
		return nil, windErr("static", "profile has %d samples, expected %d", len(p.Profile), len(ReferenceAltitudes))
	}
	hours := p.Hours
	if hours <= 0 {
		hours = 1
	}
	start := time.Now().UTC().Truncate(time.Hour)
	fc := &Forecast{Latitude: lat, Longitude: lon, Times: make([]time.Time, hours)}
	for h := range fc.Times {
		fc.Times[h] = start.Add(time.Duration(h) * time.Hour)
	}
	for i, s := range p.Profile {
		if s.Altitude != ReferenceAltitudes[i] {
			return nil, windErr("static", "sample #%d at %g m, expected %g m", i, s.Altitude, ReferenceAltitudes[i])
		}
		speed := s.Velocity.Norm() / kmh2ms
		dir := Degrees(math.Atan2(s.Velocity[0], s.Velocity[1]))
		fc.speeds[i] = make([]float64, hours)
		fc.dirs[i] = make([]float64, hours)
		for h := 0; h < hours; h++ {
			fc.speeds[i][h] = speed
			fc.dirs[i][h] = dir
		}
	}
	return fc, nil
}
