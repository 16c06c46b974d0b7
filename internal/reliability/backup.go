// Package reliability creates consistent backups of the engine's
// databases and ships them to object storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/events"
)

const metadataFilename = "metadata.json"

// Uploader is the slice of the object store the backup service needs
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// BackupMetadata describes one archive's contents
type BackupMetadata struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file inside the archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupResult summarizes a completed backup
type BackupResult struct {
	Archive   string    `json:"archive"`
	SizeBytes int64     `json:"size_bytes"`
	Databases int       `json:"databases"`
	Timestamp time.Time `json:"timestamp"`
}

// BackupService snapshots every database into a tar.gz archive and
// uploads it. Runs on a cron schedule and on demand from the admin API.
type BackupService struct {
	databases map[string]*database.DB
	uploader  Uploader
	dataDir   string
	bus       *events.Bus
	log       zerolog.Logger
}

// NewBackupService creates a backup service over the given databases
func NewBackupService(databases map[string]*database.DB, uploader Uploader,
	dataDir string, bus *events.Bus, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		uploader:  uploader,
		dataDir:   dataDir,
		bus:       bus,
		log:       log.With().Str("component", "backup").Logger(),
	}
}

// Run checkpoints each database, stages copies, archives them with a
// metadata manifest, and uploads the archive. Emits BACKUP_COMPLETED on
// success.
func (s *BackupService) Run(ctx context.Context) (*BackupResult, error) {
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		ID:        uuid.NewString(),
		Timestamp: start.UTC(),
	}

	var staged []string
	for name, db := range s.databases {
		filename := name + ".db"
		dst := filepath.Join(stagingDir, filename)

		if err := s.stageDatabase(db, dst); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}

		info, err := os.Stat(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to stat staged %s: %w", name, err)
		}
		checksum, err := fileChecksum(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		staged = append(staged, filename)
	}

	metadataPath := filepath.Join(stagingDir, metadataFilename)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	staged = append(staged, metadataFilename)

	archiveName := fmt.Sprintf("strategos-%s.tar.gz", start.Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, staged); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.uploader.Upload(ctx, "backups/"+archiveName, archiveFile); err != nil {
		return nil, err
	}

	result := &BackupResult{
		Archive:   archiveName,
		SizeBytes: archiveInfo.Size(),
		Databases: len(metadata.Databases),
		Timestamp: metadata.Timestamp,
	}
	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", time.Since(start)).
		Msg("Backup completed")
	s.bus.Emit(events.BackupCompleted, "reliability", map[string]interface{}{
		"backup_id":   metadata.ID,
		"archive":     archiveName,
		"size_bytes":  result.SizeBytes,
		"databases":   result.Databases,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

// stageDatabase checkpoints the WAL and writes a compact copy of the
// database to dst. VACUUM INTO snapshots a consistent image without
// blocking concurrent readers.
func (s *BackupService) stageDatabase(db *database.DB, dst string) error {
	if err := db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Str("db", db.Name()).Msg("WAL checkpoint failed, continuing")
	}
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", dst)); err != nil {
		return err
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
