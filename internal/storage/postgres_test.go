package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaenox/copilot-chat/pkg/config"
)

func TestPostgresStorage(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	s, err := NewPostgresStorage(DatabaseConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	require.NoError(t, err)
	defer s.Close()

	runStorageTests(t, s)
}
