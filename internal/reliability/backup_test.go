package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/events"
	dbtest "github.com/aristath/strategos/internal/testing"
)

type fakeUploader struct {
	key  string
	body bytes.Buffer
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, key string, body io.Reader) error {
	if u.err != nil {
		return u.err
	}
	u.key = key
	_, err := io.Copy(&u.body, body)
	return err
}

func newBackupService(t *testing.T, uploader Uploader) (*BackupService, *events.Bus) {
	t.Helper()
	engine, cleanupEngine := dbtest.NewTestDB(t, "engine")
	t.Cleanup(cleanupEngine)
	ledger, cleanupLedger := dbtest.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	cache, cleanupCache := dbtest.NewTestDB(t, "cache")
	t.Cleanup(cleanupCache)

	bus := events.NewBus(zerolog.Nop())
	svc := NewBackupService(map[string]*database.DB{
		"engine": engine,
		"ledger": ledger,
		"cache":  cache,
	}, uploader, t.TempDir(), bus, zerolog.Nop())
	return svc, bus
}

// extractArchive reads a tar.gz into a name -> contents map
func extractArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		contents, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = contents
	}
	return files
}

func TestBackupArchiveContents(t *testing.T) {
	uploader := &fakeUploader{}
	svc, _ := newBackupService(t, uploader)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "backups/"+result.Archive, uploader.key)
	assert.Contains(t, result.Archive, "strategos-")
	assert.Contains(t, result.Archive, ".tar.gz")
	assert.Equal(t, 3, result.Databases)
	assert.EqualValues(t, uploader.body.Len(), result.SizeBytes)

	files := extractArchive(t, uploader.body.Bytes())
	require.Contains(t, files, "engine.db")
	require.Contains(t, files, "ledger.db")
	require.Contains(t, files, "cache.db")
	require.Contains(t, files, "metadata.json")

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(files["metadata.json"], &metadata))
	assert.NotEmpty(t, metadata.ID)
	assert.False(t, metadata.Timestamp.IsZero())
	require.Len(t, metadata.Databases, 3)

	for _, db := range metadata.Databases {
		contents, ok := files[db.Filename]
		require.True(t, ok, "metadata names %s but archive lacks it", db.Filename)
		assert.EqualValues(t, len(contents), db.SizeBytes)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(contents)), db.Checksum)
	}
}

func TestBackupEmitsEvent(t *testing.T) {
	uploader := &fakeUploader{}
	svc, bus := newBackupService(t, uploader)

	var captured []*events.Event
	bus.Subscribe(events.BackupCompleted, func(e *events.Event) { captured = append(captured, e) })

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, captured, 1)
	assert.Equal(t, result.Archive, captured[0].Data["archive"])
	assert.NotEmpty(t, captured[0].Data["backup_id"])
	assert.EqualValues(t, 3, captured[0].Data["databases"])
}

func TestBackupUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("bucket unreachable")}
	svc, bus := newBackupService(t, uploader)

	var captured []*events.Event
	bus.Subscribe(events.BackupCompleted, func(e *events.Event) { captured = append(captured, e) })

	_, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
	assert.Empty(t, captured)
}
