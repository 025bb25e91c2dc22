// Package backup periodically archives the SQLite data directory and
// uploads it to S3-compatible object storage, so the durable store
// (execution ledger, kill-switch state, trade history) survives host loss.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config configures the snapshotter.
type Config struct {
	Bucket  string
	Region  string
	DataDir string
}

// Snapshotter tars, gzips, and uploads the data directory on demand.
type Snapshotter struct {
	uploader *manager.Uploader
	bucket   string
	dataDir  string
	log      zerolog.Logger
}

// New builds a Snapshotter. Disabled (returns nil, nil) when no bucket is
// configured, so callers can skip scheduling it without special-casing.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Snapshotter, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &Snapshotter{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		dataDir:  cfg.DataDir,
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Snapshot tars+gzips the data directory into a staging file, checksums it,
// and uploads it to the configured bucket keyed by timestamp.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	start := time.Now()
	stagingPath := filepath.Join(os.TempDir(), fmt.Sprintf("tradecore-snapshot-%d.tar.gz", start.UnixNano()))
	defer os.Remove(stagingPath)

	if err := s.createArchive(stagingPath); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	checksum, err := checksumFile(stagingPath)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}

	f, err := os.Open(stagingPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("tradecore-backup-%s.tar.gz", start.UTC().Format("2006-01-02-150405"))
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     f,
		Metadata: map[string]string{"sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	s.log.Info().Str("key", key).Dur("duration_ms", time.Since(start)).Msg("store snapshot uploaded")
	return nil
}

// RunPeriodic snapshots on the given interval until ctx is cancelled,
// logging (not failing hard on) individual snapshot errors.
func (s *Snapshotter) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduled snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) createArchive(archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	return filepath.Walk(s.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
