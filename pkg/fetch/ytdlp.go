package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/marmos91/quartermaster/pkg/contentkey"
)

// YtDlpConfig contains settings for the yt-dlp adapter.
type YtDlpConfig struct {
	// Binary is the yt-dlp executable (default: "yt-dlp", resolved via PATH).
	Binary string

	// Timeout bounds a single fetch (default: 10m).
	Timeout time.Duration

	// RateLimit is an optional download rate cap passed through to yt-dlp,
	// e.g. "4M". Empty disables the cap.
	RateLimit string
}

// YtDlp fetches media by shelling out to yt-dlp. Output containers are
// normalized per intent (m4a for audio, mp4 for video) so downstream object
// keys do not depend on what the upstream happens to serve.
type YtDlp struct {
	binary    string
	timeout   time.Duration
	rateLimit string
}

// NewYtDlp creates the adapter. It does not verify the binary exists; a
// missing binary surfaces as a fetch error.
func NewYtDlp(cfg YtDlpConfig) *YtDlp {
	binary := cfg.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &YtDlp{binary: binary, timeout: timeout, rateLimit: cfg.RateLimit}
}

func (y *YtDlp) Fetch(ctx context.Context, locator string, intent contentkey.Intent, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	args := []string{
		"--no-playlist",
		"--no-progress",
		"--output", dest,
	}
	if y.rateLimit != "" {
		args = append(args, "--limit-rate", y.rateLimit)
	}

	switch intent {
	case contentkey.IntentAudio:
		args = append(args,
			"--extract-audio",
			"--audio-format", "m4a",
		)
	case contentkey.IntentVideo:
		args = append(args,
			"--format", "bv*+ba/b",
			"--merge-output-format", "mp4",
		)
	default:
		return fmt.Errorf("unsupported intent %q", intent)
	}
	args = append(args, locator)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(dest)
		if ctx.Err() != nil {
			return fmt.Errorf("fetch of %s timed out: %w", locator, ctx.Err())
		}
		return fmt.Errorf("yt-dlp failed for %s: %w: %s", locator, err, lastLine(stderr.Bytes()))
	}

	// yt-dlp exits zero even when post-processing writes nothing; the file
	// must exist and be non-empty before we call the fetch done.
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("yt-dlp produced no output for %s: %w", locator, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(dest)
		return fmt.Errorf("yt-dlp produced an empty file for %s", locator)
	}
	return nil
}

// lastLine extracts the final non-empty stderr line, which is where yt-dlp
// puts its actual error.
func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return string(line)
		}
	}
	return "no error output"
}
