package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables holding the required notification secrets.
const (
	EnvToken  = "TELEGRAM_TOKEN"
	EnvChatID = "CHAT_ID"
)

// ErrMissingSecret is returned when a required secret is absent from the environment.
var ErrMissingSecret = errors.New("missing required secret")

// Session is the complete configuration of one capture session.
// It is built once at startup and handed to every collaborator.
type Session struct {
	Camera string `yaml:"camera"`

	Source SourceConfig `yaml:"source"`
	Event  EventConfig  `yaml:"event"`
	Model  ModelConfig  `yaml:"model"`
	Output OutputConfig `yaml:"output"`
	MQTT   MQTTConfig   `yaml:"mqtt"`

	// SendStill pushes the trigger still as soon as the event starts.
	SendStill bool `yaml:"send_still"`

	// Secrets: environment only, never read from YAML.
	Telegram TelegramConfig `yaml:"-"`
}

// SourceConfig describes the capture input.
type SourceConfig struct {
	Input  string  `yaml:"input"` // "0", "/dev/video0", file path or URL
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
}

// EventConfig sizes the recording window.
type EventConfig struct {
	PreBuffer     int      `yaml:"pre_buffer"`      // frames kept before the trigger
	PostEvent     int      `yaml:"post_event"`      // frames kept after the last trigger
	MaxClipFrames int      `yaml:"max_clip_frames"` // 0 = unbounded
	TriggerLabels []string `yaml:"trigger_labels"`
}

// ModelConfig is forwarded to the Python detector.
type ModelConfig struct {
	Path          string        `yaml:"path"`
	Script        string        `yaml:"script"`
	Confidence    float64       `yaml:"confidence"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// OutputConfig controls where stills and clips land.
type OutputConfig struct {
	Dir         string  `yaml:"dir"`
	StillName   string  `yaml:"still_name"`
	ClipName    string  `yaml:"clip_name"`
	ClipFPS     float64 `yaml:"clip_fps"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// MQTTConfig enables the optional MQTT event sink when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// TelegramConfig holds the bot credentials.
type TelegramConfig struct {
	Token  string
	ChatID string
}

// Default returns the 50/50 frame window, person trigger, camera 0 session.
func Default() Session {
	return Session{
		Camera: "camera-0",
		Source: SourceConfig{Input: "0"},
		Event: EventConfig{
			PreBuffer:     50,
			PostEvent:     50,
			MaxClipFrames: 3000,
			TriggerLabels: []string{"person"},
		},
		Model: ModelConfig{
			Path:          "yolov5n.pt",
			Script:        "python/detector.py",
			Confidence:    0.5,
			WorkerTimeout: 30 * time.Second,
		},
		Output: OutputConfig{
			Dir:         "output",
			StillName:   "event.jpg",
			ClipName:    "event.mp4",
			ClipFPS:     30,
			JPEGQuality: 90,
		},
		MQTT: MQTTConfig{Topic: "vigil", QoS: 1},
	}
}

// LoadFile overlays a YAML file on top of s. Fields absent from the file keep their value.
func LoadFile(path string, s *Session) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadSecrets reads the required secrets from the environment.
func LoadSecrets(s *Session, getenv func(string) string) error {
	s.Telegram.Token = getenv(EnvToken)
	s.Telegram.ChatID = getenv(EnvChatID)

	var missing []string
	if s.Telegram.Token == "" {
		missing = append(missing, EnvToken)
	}
	if s.Telegram.ChatID == "" {
		missing = append(missing, EnvChatID)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingSecret, missing)
	}
	return nil
}

// Validate checks every field the capture loop depends on.
func (s *Session) Validate() error {
	if s.Source.Input == "" {
		return errors.New("source input is required")
	}
	if s.Source.Width < 0 || s.Source.Height < 0 {
		return fmt.Errorf("invalid geometry %dx%d", s.Source.Width, s.Source.Height)
	}
	if s.Source.FPS < 0 {
		return fmt.Errorf("invalid source fps %v", s.Source.FPS)
	}
	if s.Event.PreBuffer < 1 {
		return fmt.Errorf("pre_buffer must be >= 1, got %d", s.Event.PreBuffer)
	}
	if s.Event.PostEvent < 0 {
		return fmt.Errorf("post_event must be >= 0, got %d", s.Event.PostEvent)
	}
	if s.Event.MaxClipFrames < 0 {
		return fmt.Errorf("max_clip_frames must be >= 0, got %d", s.Event.MaxClipFrames)
	}
	if s.Event.MaxClipFrames > 0 && s.Event.MaxClipFrames <= s.Event.PreBuffer {
		return fmt.Errorf("max_clip_frames (%d) must exceed pre_buffer (%d)", s.Event.MaxClipFrames, s.Event.PreBuffer)
	}
	if len(s.Event.TriggerLabels) == 0 {
		return errors.New("at least one trigger label is required")
	}
	if s.Model.Confidence <= 0 || s.Model.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", s.Model.Confidence)
	}
	if s.Output.ClipFPS <= 0 {
		return fmt.Errorf("clip_fps must be > 0, got %v", s.Output.ClipFPS)
	}
	if s.Output.JPEGQuality < 1 || s.Output.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", s.Output.JPEGQuality)
	}
	return nil
}

// StillPath and ClipPath place event artifacts in a per-event directory.
func (s *Session) StillPath(eventDir string) string {
	return filepath.Join(s.Output.Dir, eventDir, s.Output.StillName)
}

func (s *Session) ClipPath(eventDir string) string {
	return filepath.Join(s.Output.Dir, eventDir, s.Output.ClipName)
}
