package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/roman-kulish/uavctl/internal/frame"
)

type Config struct {
	DBPath     string
	SessionID  int64
	OutputFile string
	Format     frame.Format
	Size       int
	From       *time.Time
	To         *time.Time
}

func NewConfig() *Config {
	return &Config{
		Format: frame.FormatPNG,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		flag.Usage()
		return nil, err
	}
	return c, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	c := NewConfig()

	var imageFormat, from, to string
	fs.StringVar(&c.DBPath, "db", "", "Path to the session database file")
	fs.Int64Var(&c.SessionID, "s", 1, "Session ID")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(frame.FormatPNG), "Output image format. [png, jpeg]")
	fs.IntVar(&c.Size, "size", 800, "Plot size in pixels")
	fs.StringVar(&from, "from", "", "Only plot telemetry recorded at or after this time (RFC 3339)")
	fs.StringVar(&to, "to", "", "Only plot telemetry recorded at or before this time (RFC 3339)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if c.SessionID <= 0 {
		return nil, errors.New("session id is required")
	}
	if c.OutputFile == "" {
		return nil, errors.New("output file is required")
	}
	if c.Size <= 0 {
		return nil, fmt.Errorf("invalid plot size: %d", c.Size)
	}
	if c.Format, err = frame.ParseFormat(imageFormat); err != nil {
		return nil, err
	}
	if c.From, err = parseTime(from); err != nil {
		return nil, fmt.Errorf("invalid -from: %w", err)
	}
	if c.To, err = parseTime(to); err != nil {
		return nil, fmt.Errorf("invalid -to: %w", err)
	}

	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
