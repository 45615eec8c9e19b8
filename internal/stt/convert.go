package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Converter turns an uploaded recording into the mono 16-bit WAV the
// recognizer expects.
type Converter interface {
	Convert(ctx context.Context, src, dst, formatHint string) error
}

type formatConverter struct {
	ffmpeg     []string
	sampleRate int
	channels   int
}

// NewConverter returns a converter that wraps raw PCM natively and hands every
// other container to the configured ffmpeg command.
func NewConverter(cfg config.STTConfig) (Converter, error) {
	command := cfg.ConverterCommand
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse converter command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("converter command is empty")
	}
	return &formatConverter{ffmpeg: args, sampleRate: cfg.SampleRate, channels: cfg.Channels}, nil
}

func (c *formatConverter) Convert(ctx context.Context, src, dst, formatHint string) error {
	if IsRawPCM(formatHint) {
		pcm, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read pcm: %w", err)
		}
		return writePCMToWav(dst, pcm, c.sampleRate, c.channels)
	}

	// -vn drops any video track, -ar/-ac downsample to the recognizer format.
	args := append([]string{}, c.ffmpeg[1:]...)
	args = append(args,
		"-i", src,
		"-vn",
		"-ar", strconv.Itoa(c.sampleRate),
		"-ac", strconv.Itoa(c.channels),
		"-c:a", "pcm_s16le",
		"-y",
		dst,
	)
	cmd := exec.CommandContext(ctx, c.ffmpeg[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("command '%s' failed: %w\nstderr: %s", c.ffmpeg[0], err, msg)
		}
		return fmt.Errorf("command '%s' failed: %w", c.ffmpeg[0], err)
	}
	return nil
}

// IsRawPCM reports whether the hint names headerless 16-bit little-endian PCM.
func IsRawPCM(formatHint string) bool {
	switch normalizeHint(formatHint) {
	case "pcm", "s16le", "raw":
		return true
	}
	return false
}

// Extension maps a format hint to a file extension for the stored upload.
func Extension(formatHint string) string {
	hint := normalizeHint(formatHint)
	switch hint {
	case "":
		return ".bin"
	case "pcm", "s16le", "raw":
		return ".pcm"
	}
	for _, r := range hint {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return "." + hint
}

// normalizeHint accepts bare extensions (".webm"), names ("webm") and MIME
// types ("audio/webm;codecs=opus").
func normalizeHint(formatHint string) string {
	hint := strings.ToLower(strings.TrimSpace(formatHint))
	if i := strings.IndexByte(hint, ';'); i >= 0 {
		hint = hint[:i]
	}
	if i := strings.LastIndexByte(hint, '/'); i >= 0 {
		hint = hint[i+1:]
	}
	hint = strings.TrimPrefix(hint, ".")
	switch hint {
	case "x-wav", "wave":
		return "wav"
	case "mpeg":
		return "mp3"
	case "l16":
		return "pcm"
	}
	return hint
}

func writePCMToWav(path string, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
