package services

import (
	"path/filepath"
	"testing"

	"wa_manager/internal/database"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "services-test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}
