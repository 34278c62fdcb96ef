package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roman-kulish/uavctl/internal/frame"
	"github.com/roman-kulish/uavctl/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	track, err := readTrack(ctx, store, config, logger)
	if err != nil {
		return err
	}
	return renderTrack(track, config, logger)
}

func readTrack(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) (*frame.Track, error) {
	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.From != nil && config.To != nil:
		opts = append(opts, storage.WithTimeRange(*config.From, *config.To))
		filters = append(filters,
			slog.String("from", config.From.Format(time.DateTime)),
			slog.String("to", config.To.Format(time.DateTime)))

	case config.From != nil:
		opts = append(opts, storage.WithStartTime(*config.From))
		filters = append(filters, slog.String("from", config.From.Format(time.DateTime)))

	case config.To != nil:
		opts = append(opts, storage.WithEndTime(*config.To))
		filters = append(filters, slog.String("to", config.To.Format(time.DateTime)))
	}

	session, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session %d: %w", config.SessionID, err)
	}

	logger.Info("reading track",
		append([]any{
			slog.String("session", session.UUID),
			slog.String("backend", session.BackendType),
			slog.String("vehicle", session.VehicleName),
		}, filters...)...)

	iter, err := store.ReadTrack(ctx, config.SessionID, opts...)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var track frame.Track
	var skipped int
	for iter.Next() {
		p := iter.Current()
		if p.X == nil || p.Y == nil || p.Z == nil {
			skipped++
			continue
		}
		track.Add(frame.TrackSample{Timestamp: p.Timestamp, X: *p.X, Y: *p.Y, Z: *p.Z})
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}

	logger.Info("finished reading track",
		slog.Group("stats",
			slog.Int("samples", len(track.Samples)),
			slog.Int("withoutPose", skipped),
			slog.String("x", fmt.Sprintf("%0.2f..%0.2fm", track.MinX, track.MaxX)),
			slog.String("y", fmt.Sprintf("%0.2f..%0.2fm", track.MinY, track.MaxY)),
			slog.String("z", fmt.Sprintf("%0.2f..%0.2fm", track.MinZ, track.MaxZ)),
		))

	return &track, nil
}

func renderTrack(track *frame.Track, config *Config, logger *slog.Logger) error {
	annotator, err := frame.NewAnnotator()
	if err != nil {
		return fmt.Errorf("creating annotator: %w", err)
	}
	defer annotator.Close()

	img, err := annotator.RenderTrack(track, config.Size)
	if err != nil {
		return fmt.Errorf("rendering track: %w", err)
	}

	logger.Info("writing track",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("size", img.Bounds().Dx()),
		))

	return frame.WriteFile(config.OutputFile, img, config.Format)
}
