package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// so crash information is not lost if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps subprocess logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEWATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			// Trailing garbage, nothing more to find
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureInput describes where ffmpeg should read frames from.
type CaptureInput struct {
	Device    string // /dev/video0, rtsp://..., or a file path
	Format    string // ffmpeg input format, e.g. v4l2 (empty lets ffmpeg probe)
	Width     int
	Height    int
	FrameRate int
}

// FFmpegArgs builds the argument list for a decoder that writes raw MJPEG frames to stdout.
func FFmpegArgs(in CaptureInput) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	if in.FrameRate > 0 {
		args = append(args, "-framerate", fmt.Sprint(in.FrameRate))
	}
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
	}
	// -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-i", in.Device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegCmd creates the capture decoder pipe for the given input.
func NewFFmpegCmd(ffmpegPath string, in CaptureInput) *SafeCommand {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return NewSafeCommand(ffmpegPath, FFmpegArgs(in)...)
}
