// Package encoder spawns and adapts the external ffmpeg encoder process.
package encoder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/foxseedlab/namahousou/internal/audio"
	"github.com/foxseedlab/namahousou/internal/config"
	"github.com/foxseedlab/namahousou/internal/encoder"
)

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *ffmpegProcess) Input() io.WriteCloser { return p.stdin }
func (p *ffmpegProcess) Output() io.Reader     { return p.stdout }
func (p *ffmpegProcess) Wait() error           { return p.cmd.Wait() }

func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// NewFFmpegFactory builds a process factory that encodes raw 48kHz stereo
// s16le PCM from stdin into the configured container on stdout.
func NewFFmpegFactory(format config.StreamFormat, bitrate string) encoder.ProcessFactory {
	return func() (encoder.Process, error) {
		args := []string{
			"-hide_banner",
			"-loglevel", "warning",
			"-f", "s16le",
			"-ar", strconv.Itoa(audio.MixSampleRate),
			"-ac", strconv.Itoa(audio.MixChannels),
			"-i", "pipe:0",
		}
		switch format {
		case config.StreamFormatMP3:
			args = append(args, "-c:a", "libmp3lame", "-b:a", bitrate, "-f", "mp3")
		default:
			args = append(args, "-c:a", "libopus", "-b:a", bitrate, "-f", "ogg")
		}
		args = append(args, "pipe:1")

		cmd := exec.Command("ffmpeg", args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open ffmpeg stderr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}
		go logStderr(stderr)

		slog.Info("ffmpeg encoder started", "pid", cmd.Process.Pid, "format", string(format), "bitrate", bitrate)
		return &ffmpegProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Warn("ffmpeg", "message", scanner.Text())
	}
}
