package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultWeatherURL = "https://api.open-meteo.com"

// Weather is the current conditions at one point.
type Weather struct {
	Temperature float64
	WindSpeed   float64
	Code        int
}

// Description renders the WMO weather code in words a child understands.
func (w Weather) Description() string {
	switch {
	case w.Code == 0:
		return "Clear sky"
	case w.Code <= 3:
		return "Partly cloudy"
	case w.Code == 45 || w.Code == 48:
		return "Foggy"
	case w.Code >= 51 && w.Code <= 57:
		return "Drizzle"
	case w.Code >= 61 && w.Code <= 67, w.Code >= 80 && w.Code <= 82:
		return "Rainy"
	case w.Code >= 71 && w.Code <= 77, w.Code == 85 || w.Code == 86:
		return "Snowy"
	case w.Code >= 95:
		return "Thunderstorms"
	default:
		return "Unknown conditions"
	}
}

// WeatherClient queries the open-meteo forecast API. No key is needed.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWeatherClient(baseURL string, httpClient *http.Client) *WeatherClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultWeatherURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WeatherClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *WeatherClient) Current(ctx context.Context, latitude, longitude float64) (Weather, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	q.Set("current_weather", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return Weather{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Weather{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Weather{}, fmt.Errorf("open-meteo error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		CurrentWeather *struct {
			Temperature float64 `json:"temperature"`
			WindSpeed   float64 `json:"windspeed"`
			WeatherCode int     `json:"weathercode"`
		} `json:"current_weather"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Weather{}, fmt.Errorf("decode response: %w", err)
	}
	if decoded.CurrentWeather == nil {
		return Weather{}, fmt.Errorf("response has no current_weather")
	}
	return Weather{
		Temperature: decoded.CurrentWeather.Temperature,
		WindSpeed:   decoded.CurrentWeather.WindSpeed,
		Code:        decoded.CurrentWeather.WeatherCode,
	}, nil
}
