package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultIPLocatorURL = "http://ip-api.com"

var ErrLocationDenied = errors.New("user denied geolocation")

type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Locator answers "where is the classroom".
type Locator interface {
	Locate(ctx context.Context) (Position, error)
}

// StaticLocator returns configured coordinates.
type StaticLocator struct {
	Position Position
}

func (l StaticLocator) Locate(context.Context) (Position, error) { return l.Position, nil }

// DeniedLocator models a device without location permission.
type DeniedLocator struct{}

func (DeniedLocator) Locate(context.Context) (Position, error) {
	return Position{}, ErrLocationDenied
}

// IPLocator estimates position from the public IP address.
type IPLocator struct {
	baseURL    string
	httpClient *http.Client
}

func NewIPLocator(baseURL string, httpClient *http.Client) *IPLocator {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultIPLocatorURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IPLocator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (l *IPLocator) Locate(ctx context.Context) (Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/json?fields=status,message,lat,lon", nil)
	if err != nil {
		return Position{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Position{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Position{}, fmt.Errorf("geolocation error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Position{}, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Status != "success" {
		msg := decoded.Message
		if msg == "" {
			msg = "position unavailable"
		}
		return Position{}, errors.New(msg)
	}
	return Position{Latitude: decoded.Lat, Longitude: decoded.Lon}, nil
}
