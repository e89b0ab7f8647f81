package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trivion/internal/config"
)

var (
	writerMu sync.Mutex
	writer   io.Writer = os.Stdout
)

// Writer exposes the logger's output so other log producers, such as the
// HTTP request logger, can share the destination.
func Writer() io.Writer {
	writerMu.Lock()
	defer writerMu.Unlock()
	return writer
}

// Init installs the process-wide logger. Returns a closer for the log file,
// a no-op when logging only to stdout.
func Init(cfg config.LogConfig) (func() error, error) {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		fw, err := newTruncatingFileWriter(cfg.File, cfg.MaxMB)
		if err != nil {
			return nil, err
		}
		output = io.MultiWriter(output, fw)
		closer = fw.Close
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(output).With().Timestamp().Logger()
	if cfg.SampleEvery > 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleEvery)})
	}
	log.Logger = logger
	writerMu.Lock()
	writer = output
	writerMu.Unlock()
	return closer, nil
}
