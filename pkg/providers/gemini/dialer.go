// Package gemini connects sessions to the Gemini Live API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/shellie/pkg/session"
)

const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// liveSession is the subset of *genai.Session the channel uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connector interface {
	Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)
}

type liveConnector struct {
	live *genai.Live
}

func (c liveConnector) Connect(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	sess, err := c.live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type DialerConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// Dialer implements session.Dialer on a genai client.
type Dialer struct {
	conn   connector
	model  string
	logger *slog.Logger
}

func NewDialer(ctx context.Context, cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newDialer(liveConnector{live: client.Live}, cfg.Model, cfg.Logger), nil
}

func newDialer(conn connector, model string, logger *slog.Logger) *Dialer {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{conn: conn, model: model, logger: logger}
}

func (d *Dialer) Model() string { return d.model }

func (d *Dialer) Dial(ctx context.Context, cfg session.ConnectConfig) (session.Channel, error) {
	live, err := d.conn.Connect(ctx, d.model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.model, err)
	}
	d.logger.Debug("gemini live connected", "model", d.model, "voice", cfg.Voice)
	return newChannel(live, d.logger), nil
}

var _ session.Dialer = (*Dialer)(nil)
