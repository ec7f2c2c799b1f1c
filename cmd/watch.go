package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/capture"
	"github.com/andresmejia3/facewatch/internal/display"
	"github.com/andresmejia3/facewatch/internal/engine"
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/match"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/utils"
)

// WatchOptions are the flags of the watch command.
type WatchOptions struct {
	Device      string
	Format      string
	Size        string
	FPS         int
	Preview     string
	FromDB      bool
	Cooldown    time.Duration
	AutoDismiss time.Duration
	Poll        time.Duration
}

var watchOpts WatchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Recognize faces on a live video source and raise alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyWatchFlags(cmd, watchOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runWatch(cmd.Context())
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVarP(&watchOpts.Device, "device", "d", "", "Capture device, stream URL or video file (default /dev/video0)")
	f.StringVarP(&watchOpts.Format, "format", "f", "", "ffmpeg input format, e.g. v4l2, avfoundation (empty lets ffmpeg probe)")
	f.StringVar(&watchOpts.Size, "size", "", "Capture size WxH")
	f.IntVar(&watchOpts.FPS, "fps", 0, "Capture frame rate")
	f.StringVarP(&watchOpts.Preview, "preview", "p", "", "Serve the annotated feed and controls on this address, e.g. :8080")
	f.BoolVar(&watchOpts.FromDB, "from-db", false, "Load the gallery from the database instead of the gallery file")
	f.DurationVar(&watchOpts.Cooldown, "cooldown", 0, "Minimum time between alerts (default 2s)")
	f.DurationVar(&watchOpts.AutoDismiss, "auto-dismiss", 0, "Close alerts after this long (default 5s)")
	f.DurationVar(&watchOpts.Poll, "poll", 0, "Delay between frames (default 10ms)")
	rootCmd.AddCommand(watchCmd)
}

func applyWatchFlags(cmd *cobra.Command, o WatchOptions) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("device") {
		Cfg.Capture.Device = o.Device
	}
	if set("format") {
		Cfg.Capture.Format = o.Format
	}
	if set("size") {
		Cfg.Capture.Size = o.Size
	}
	if set("fps") {
		Cfg.Capture.FPS = o.FPS
	}
	if set("preview") {
		Cfg.Preview.Addr = o.Preview
	}
	if set("cooldown") {
		Cfg.Cooldown = o.Cooldown
	}
	if set("auto-dismiss") {
		Cfg.AutoDismiss = o.AutoDismiss
	}
	if set("poll") {
		Cfg.PollInterval = o.Poll
	}
}

func runWatch(ctx context.Context) error {
	input, err := Cfg.CaptureInput()
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.Open(Cfg.EngineOptions(), 0)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer eng.Close()

	term := display.NewTerminal(os.Stdout, display.DefaultTheme)
	disp := display.Multi{term}
	var preview *display.Preview
	if Cfg.Preview.Addr != "" {
		preview = display.NewPreview(nil, slog.Default())
		disp = append(disp, preview)
	}

	sess := session.New(session.Config{
		Opener:      &capture.FFmpeg{Path: Cfg.Capture.FFmpegBin, Input: input},
		Detector:    engine.NewAdapter(eng),
		Display:     disp,
		LoadGallery: galleryLoader(watchOpts.FromDB),
		NewMatcher: func(g *gallery.Gallery) (match.Matcher, error) {
			return match.New(Cfg.Strategy, g, Cfg.Tolerance, match.Metric(Cfg.Metric))
		},
		Cooldown:     Cfg.Cooldown,
		AutoDismiss:  Cfg.AutoDismiss,
		PollInterval: Cfg.PollInterval,
		Logger:       slog.Default(),
	})

	if err := sess.Load(ctx); err != nil {
		utils.ShowError("Gallery unavailable, run 'facewatch encode' first", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "📷 Watching %s (tolerance %.2f, %s/%s)\n", input.Device, Cfg.Tolerance, Cfg.Strategy, Cfg.Metric)

	if preview == nil {
		err := sess.Run(ctx)
		if errors.Is(err, capture.ErrDevice) {
			utils.ShowError("Capture device disconnected", err, engineLogs(eng))
		}
		return err
	}

	// With a preview the process outlives sessions: they can be restarted over HTTP.
	preview.Attach(sess)
	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "🌐 Preview on http://%s/stream.mjpg\n", Cfg.Preview.Addr)
	err = preview.Serve(ctx, Cfg.Preview.Addr)
	sess.Stop()
	waitStopped(sess, 3*time.Second)
	return err
}

func galleryLoader(fromDB bool) func(ctx context.Context) (*gallery.Gallery, error) {
	if !fromDB {
		return func(context.Context) (*gallery.Gallery, error) { return gallery.Load(Cfg.Gallery) }
	}
	return func(ctx context.Context) (*gallery.Gallery, error) {
		db, err := openDB(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gallery.ErrLoad, err)
		}
		return db.LoadGallery(ctx)
	}
}

func waitStopped(sess *session.Session, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for sess.State() == session.StateRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
