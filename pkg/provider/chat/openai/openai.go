// Package openai provides a chat.Provider backed by the OpenAI chat
// completions API with audio input and audio output.
//
// Each request posts the utterance as a base64 WAV "input_audio" part and
// asks for a streamed reply in both text and pcm16 audio. The streaming body
// is handed to reply.NewSSESource unparsed; the SDK client contributes auth,
// base URL handling and retries.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/reply"
)

var _ chat.Provider = (*Provider)(nil)

const (
	defaultModel = "gpt-4o-audio-preview"
	defaultVoice = "alloy"
)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	voice        string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithVoice sets the default reply voice.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout bounds how long a whole request, including the streamed body,
// may take.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries failed requests. Negative
// keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs an OpenAI chat Provider. model defaults to an audio-capable
// preview model when empty.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{voice: defaultVoice, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
	}, nil
}

// Stream implements chat.Provider.
func (p *Provider) Stream(ctx context.Context, req chat.Request) (reply.Source, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("openai: stream: empty utterance")
	}

	var resp *http.Response
	err := p.client.Post(ctx, "chat/completions", p.buildRequest(req), &resp,
		option.WithHeader("Accept", "text/event-stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("openai: stream: unexpected status %s", resp.Status)
	}
	return reply.NewSSESource(resp.Body), nil
}

// ── Request body ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Model      string        `json:"model"`
	Stream     bool          `json:"stream"`
	Modalities []string      `json:"modalities"`
	Audio      audioParams   `json:"audio"`
	Messages   []chatMessage `json:"messages"`
}

type audioParams struct {
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type chatMessage struct {
	Role string `json:"role"`

	// Content is either a string or a []contentPart.
	Content any `json:"content"`
}

type contentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *inputAudio `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// buildRequest assembles the request body: instructions, history and the
// utterance as a WAV input_audio part.
func (p *Provider) buildRequest(req chat.Request) chatRequest {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}

	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.Instructions != "" {
		msgs = append(msgs, chatMessage{Role: string(chat.RoleSystem), Content: req.Instructions})
	}
	for _, m := range req.History {
		if m.Text == "" {
			continue
		}
		msgs = append(msgs, chatMessage{Role: roleOf(m.Role), Content: m.Text})
	}

	wav := audio.EncodeWAV(req.Audio, audio.WireFormat)
	msgs = append(msgs, chatMessage{
		Role: string(chat.RoleUser),
		Content: []contentPart{{
			Type: "input_audio",
			InputAudio: &inputAudio{
				Data:   base64.StdEncoding.EncodeToString(wav),
				Format: "wav",
			},
		}},
	})

	return chatRequest{
		Model:      p.model,
		Stream:     true,
		Modalities: []string{"text", "audio"},
		Audio:      audioParams{Voice: voice, Format: "pcm16"},
		Messages:   msgs,
	}
}

// roleOf maps history roles onto the roles the endpoint accepts. Unknown
// roles are sent as user turns.
func roleOf(r chat.Role) string {
	switch r {
	case chat.RoleSystem, chat.RoleAssistant:
		return string(r)
	default:
		return string(chat.RoleUser)
	}
}
