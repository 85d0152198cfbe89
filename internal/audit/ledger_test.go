package audit

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/shared/database"
	"github.com/sisrua/geoprep/shared/database/databasetest"
	"github.com/sisrua/geoprep/shared/logger"
)

func newTestLedger(t *testing.T) (*Ledger, *database.Client) {
	t.Helper()
	db := databasetest.Open(t)
	secret, _, err := LoadOrCreateSecret(t.TempDir())
	require.NoError(t, err)
	l, err := NewLedger(db.GetDB(), secret, nil, logger.Nop())
	require.NoError(t, err)
	return l, db
}

func TestLedger_LogThenVerify(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	id, err := l.Log(ctx, Entry{
		EventType:  "UPDATE",
		EntityType: "Project",
		EntityID:   "p-1",
		Data:       map[string]any{"z": 1, "a": []any{"x", 2.5}, "big": int64(9007199254740993)},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	ok, err := l.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultActor, rec.ActorID)
	assert.Equal(t, "p-1", rec.EntityID.String)
	assert.Equal(t, `{"a":["x",2.5],"big":9007199254740993,"z":1}`, rec.DataJSON)
	assert.Len(t, rec.ShortSignature(), 19)
}

func TestLedger_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		update string
	}{
		{name: "payload", update: `UPDATE audit_log SET data_json = '{"amount":1000}' WHERE id = ?`},
		{name: "actor", update: `UPDATE audit_log SET actor_id = 'mallory' WHERE id = ?`},
		{name: "entity id", update: `UPDATE audit_log SET entity_id = NULL WHERE id = ?`},
		{name: "timestamp", update: `UPDATE audit_log SET timestamp = timestamp + 1 WHERE id = ?`},
		{name: "signature", update: `UPDATE audit_log SET signature = 'deadbeef' WHERE id = ?`},
		{name: "garbage payload", update: `UPDATE audit_log SET data_json = 'not json' WHERE id = ?`},
		{name: "reformatted payload", update: `UPDATE audit_log SET data_json = '{"amount": 10, "owner": "alice"}' WHERE id = ?`},
		{name: "reordered payload", update: `UPDATE audit_log SET data_json = '{ "owner": "alice",  "amount": 10 }' WHERE id = ?`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, db := newTestLedger(t)
			ctx := context.Background()

			id, err := l.Log(ctx, Entry{EventType: "CREATE", EntityType: "JobHistory", EntityID: "j-1", Data: map[string]any{"amount": 10, "owner": "alice"}})
			require.NoError(t, err)

			_, err = db.GetDB().ExecContext(ctx, tt.update, id)
			require.NoError(t, err)

			ok, err := l.Verify(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLedger_DifferentSecretFailsVerification(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()
	id, err := l.Log(ctx, Entry{EventType: "CREATE", EntityType: "Project"})
	require.NoError(t, err)

	other, _, err := LoadOrCreateSecret(t.TempDir())
	require.NoError(t, err)
	l2, err := NewLedger(db.GetDB(), other, nil, logger.Nop())
	require.NoError(t, err)

	ok, err := l2.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_VerifyAll(t *testing.T) {
	l, db := newTestLedger(t)
	ctx := context.Background()

	empty, err := l.VerifyAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Integrity: 1.0}, empty)

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := l.Log(ctx, Entry{EventType: "CREATE", EntityType: "Project", Data: map[string]any{"i": i}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err = db.GetDB().ExecContext(ctx, `UPDATE audit_log SET event_type = 'DELETE' WHERE id = ?`, ids[1])
	require.NoError(t, err)

	s, err := l.VerifyAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 4, Valid: 3, Invalid: 1, Integrity: 0.75}, s)

	recent, err := l.VerifyAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, recent.Total)
	assert.Equal(t, 0, recent.Invalid, "only the newest records are checked")
}

func TestLedger_ListAndStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()
	l.now = func() time.Time { return now.Add(-48 * time.Hour) }

	_, err := l.Log(ctx, Entry{EventType: "CREATE", EntityType: "Project", EntityID: "p-1"})
	require.NoError(t, err)

	l.now = func() time.Time { return now }
	_, err = l.Log(ctx, Entry{EventType: "UPDATE", EntityType: "Project", EntityID: "p-1", ActorID: "alice"})
	require.NoError(t, err)
	_, err = l.Log(ctx, Entry{EventType: "JOB_COMPLETED", EntityType: "JobHistory", EntityID: "j-1"})
	require.NoError(t, err)

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "JOB_COMPLETED", all[0].EventType, "newest first")

	projects, err := l.List(ctx, Filter{EntityType: "Project", EntityID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	updates, err := l.List(ctx, Filter{EventType: "UPDATE"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "alice", updates[0].ActorID)

	limited, err := l.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalLogs)
	assert.Equal(t, 2, stats.Recent24h)
	assert.Equal(t, map[string]int{"Project": 2, "JobHistory": 1}, stats.ByEntityType)
	assert.Equal(t, map[string]int{"CREATE": 1, "UPDATE": 1, "JOB_COMPLETED": 1}, stats.ByEventType)
}

func TestLedger_Validation(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Log(context.Background(), Entry{EntityType: "Project"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = l.Log(context.Background(), Entry{EventType: "CREATE"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = l.Get(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrAuditRecordNotFound)

	_, err = l.Verify(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrAuditRecordNotFound)
}

func TestLoadOrCreateSecret(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, created, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, first, SecretSize)

	info, err := os.Stat(filepath.Join(dir, SecretFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateSecret_RejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SecretFileName), []byte("short"), 0o600))

	_, _, err := LoadOrCreateSecret(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 5 bytes")

	_, err = NewLedger(nil, []byte("short"), nil, logger.Nop())
	assert.Error(t, err)
}

func TestReadSecret_Missing(t *testing.T) {
	_, err := ReadSecret(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
