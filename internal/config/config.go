// Package config resolves facewatch settings. Later sources win:
// built-in defaults, a YAML file, FACEWATCH_* environment variables, flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facewatch/internal/alert"
	"github.com/andresmejia3/facewatch/internal/engine"
	"github.com/andresmejia3/facewatch/internal/match"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/utils"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "FACEWATCH_"

type Config struct {
	Tolerance    float64       `yaml:"tolerance"`
	Cooldown     time.Duration `yaml:"cooldown"`
	AutoDismiss  time.Duration `yaml:"auto_dismiss"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Gallery      string        `yaml:"gallery"`
	Metric       string        `yaml:"metric"`   // euclidean or cosine
	Strategy     string        `yaml:"strategy"` // first or nearest

	Engine   EngineConfig   `yaml:"engine"`
	Capture  CaptureConfig  `yaml:"capture"`
	Preview  PreviewConfig  `yaml:"preview"`
	Database DatabaseConfig `yaml:"database"`
}

type EngineConfig struct {
	Kind      string        `yaml:"kind"` // worker, http or dlib
	Command   []string      `yaml:"command"`
	URL       string        `yaml:"url"`
	ModelsDir string        `yaml:"models_dir"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
}

type CaptureConfig struct {
	Device    string `yaml:"device"` // /dev/video0, rtsp://..., or a file
	Format    string `yaml:"format"` // ffmpeg -f, e.g. v4l2
	Size      string `yaml:"size"`   // WxH
	FPS       int    `yaml:"fps"`
	FFmpegBin string `yaml:"ffmpeg"`
}

type PreviewConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP preview
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Tolerance:    match.DefaultTolerance,
		Cooldown:     alert.DefaultCooldown,
		AutoDismiss:  alert.DefaultAutoDismiss,
		PollInterval: session.DefaultPollInterval,
		Gallery:      "known_faces.msgpack",
		Metric:       string(match.MetricEuclidean),
		Strategy:     "first",
		Engine: EngineConfig{
			Kind:      engine.KindWorker,
			URL:       engine.DefaultURL,
			ModelsDir: "models",
			Workers:   1,
			Timeout:   30 * time.Second,
		},
		Capture: CaptureConfig{
			Device:    "/dev/video0",
			Format:    "v4l2",
			FFmpegBin: "ffmpeg",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the process environment (after loading any .env file).
func Load(path string) (*Config, error) {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays FACEWATCH_* variables found through lookup.
// DATABASE_URL is honored as well, for compatibility with common tooling.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "TOLERANCE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTOLERANCE: %w", EnvPrefix, err))
		} else {
			c.Tolerance = f
		}
	}
	dur("COOLDOWN", &c.Cooldown)
	dur("AUTO_DISMISS", &c.AutoDismiss)
	dur("POLL_INTERVAL", &c.PollInterval)
	str("GALLERY", &c.Gallery)
	str("METRIC", &c.Metric)
	str("STRATEGY", &c.Strategy)

	str("ENGINE", &c.Engine.Kind)
	if v, ok := lookup(EnvPrefix + "ENGINE_COMMAND"); ok && v != "" {
		c.Engine.Command = strings.Fields(v)
	}
	str("ENGINE_URL", &c.Engine.URL)
	str("MODELS_DIR", &c.Engine.ModelsDir)
	num("ENGINE_WORKERS", &c.Engine.Workers)
	dur("ENGINE_TIMEOUT", &c.Engine.Timeout)

	str("DEVICE", &c.Capture.Device)
	str("INPUT_FORMAT", &c.Capture.Format)
	str("VIDEO_SIZE", &c.Capture.Size)
	num("FPS", &c.Capture.FPS)
	str("FFMPEG", &c.Capture.FFmpegBin)

	str("PREVIEW_ADDR", &c.Preview.Addr)

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	str("DATABASE_URL", &c.Database.URL)

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if !(c.Tolerance > 0) || math.IsInf(c.Tolerance, 0) {
		errs = append(errs, fmt.Errorf("tolerance must be a positive finite number, got %g", c.Tolerance))
	}
	if c.Cooldown < 0 || c.AutoDismiss < 0 || c.PollInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Gallery == "" {
		errs = append(errs, errors.New("gallery path is required"))
	}
	if _, err := match.Metric(c.Metric).Distance(); err != nil {
		errs = append(errs, err)
	}
	switch c.Strategy {
	case "first", "nearest":
	default:
		errs = append(errs, fmt.Errorf("unknown match strategy %q (use first or nearest)", c.Strategy))
	}
	switch c.Engine.Kind {
	case engine.KindWorker, engine.KindHTTP, engine.KindDlib:
	default:
		errs = append(errs, fmt.Errorf("unknown engine kind %q", c.Engine.Kind))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine workers must be at least 1, got %d", c.Engine.Workers))
	}
	if _, _, err := parseSize(c.Capture.Size); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.FPS < 0 {
		errs = append(errs, fmt.Errorf("fps must not be negative, got %d", c.Capture.FPS))
	}
	return errors.Join(errs...)
}

// EngineOptions converts the engine section for engine.Open.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Kind:      c.Engine.Kind,
		Command:   c.Engine.Command,
		Timeout:   c.Engine.Timeout,
		URL:       c.Engine.URL,
		ModelsDir: c.Engine.ModelsDir,
	}
}

// CaptureInput converts the capture section for the ffmpeg opener.
func (c *Config) CaptureInput() (utils.CaptureInput, error) {
	w, h, err := parseSize(c.Capture.Size)
	if err != nil {
		return utils.CaptureInput{}, err
	}
	return utils.CaptureInput{
		Device:    c.Capture.Device,
		Format:    c.Capture.Format,
		Width:     w,
		Height:    h,
		FrameRate: c.Capture.FPS,
	}, nil
}

func parseSize(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if !ok || errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid video size %q (want WxH)", s)
	}
	return w, h, nil
}
