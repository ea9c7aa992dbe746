package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hls-publisher/internal/hls"
)

const (
	DefaultPath       = "ffmpeg"
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"
	DefaultGOP        = 48

	// defaultWaitDelay bounds how long ffmpeg may take to finalize playlists
	// after SIGINT before it is killed.
	defaultWaitDelay = 10 * time.Second
)

// Engine starts one transcoding process for a source and a set of renditions.
type Engine interface {
	Start(ctx context.Context, sourceURL string, renditions []hls.Rendition) (Process, error)
}

// Process is a running transcode.
type Process interface {
	Wait() error
	PID() int
}

// FFmpeg runs the ffmpeg binary with one HLS output per rendition from a
// single decode of the source.
type FFmpeg struct {
	Path       string
	VideoCodec string
	// AudioCodec "none" drops audio.
	AudioCodec string
	GOP        int
	WaitDelay  time.Duration
	Log        *slog.Logger
}

func (f *FFmpeg) withDefaults() FFmpeg {
	c := *f
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.VideoCodec == "" {
		c.VideoCodec = DefaultVideoCodec
	}
	if c.AudioCodec == "" {
		c.AudioCodec = DefaultAudioCodec
	}
	if c.GOP <= 0 {
		c.GOP = DefaultGOP
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// BuildArgs returns the ffmpeg argument list for sourceURL and renditions.
func (f *FFmpeg) BuildArgs(sourceURL string, renditions []hls.Rendition) ([]string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, errors.New("input source is required")
	}
	if len(renditions) == 0 {
		return nil, errors.New("at least one rendition is required")
	}
	c := f.withDefaults()

	args := []string{"-hide_banner", "-y", "-i", sourceURL}
	for _, r := range renditions {
		if r.OutputDir == "" {
			return nil, fmt.Errorf("rendition %s: output directory is required", r.Label)
		}
		segment := r.SegmentDuration
		if segment <= 0 {
			segment = hls.DefaultSegmentDuration
		}
		playlist := r.PlaylistFilename
		if playlist == "" {
			playlist = hls.DefaultPlaylistFilename
		}

		args = append(args, "-map", "0:v:0")
		if c.AudioCodec != "none" {
			args = append(args, "-map", "0:a:0?", "-c:a", c.AudioCodec)
		} else {
			args = append(args, "-an")
		}
		args = append(args,
			"-s", r.Resolution(),
			"-b:v", strconv.Itoa(r.VideoBitrateKbps)+"k",
			"-c:v", c.VideoCodec,
			"-g", strconv.Itoa(c.GOP),
			"-sc_threshold", "0",
			"-f", "hls",
			"-hls_time", strconv.Itoa(segment),
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.ToSlash(filepath.Join(r.OutputDir, r.SegmentPattern)),
			filepath.ToSlash(filepath.Join(r.OutputDir, playlist)),
		)
	}
	return args, nil
}

// Start launches ffmpeg. Cancelling ctx asks ffmpeg to stop with SIGINT so it
// can close its playlists, and kills it if it has not exited after WaitDelay.
func (f *FFmpeg) Start(ctx context.Context, sourceURL string, renditions []hls.Rendition) (Process, error) {
	args, err := f.BuildArgs(sourceURL, renditions)
	if err != nil {
		return nil, err
	}
	c := f.withDefaults()

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = c.WaitDelay
	stdout := newLogWriter(c.Log, "stdout")
	stderr := newLogWriter(c.Log, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	c.Log.Info("ffmpeg started", slog.Int("pid", cmd.Process.Pid), slog.Int("renditions", len(renditions)))
	return &process{cmd: cmd, ctx: ctx, output: []*logWriter{stdout, stderr}}, nil
}

type process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	output []*logWriter
}

func (p *process) PID() int { return p.cmd.Process.Pid }

// Wait blocks until ffmpeg exits. A non-zero exit after the start context was
// cancelled is a requested stop and reported as nil.
func (p *process) Wait() error {
	err := p.cmd.Wait()
	for _, w := range p.output {
		w.Flush()
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && p.ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("ffmpeg exited: %w", err)
}
