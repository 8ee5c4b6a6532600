package backend

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxdocs/pkg/config"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Backend:        config.BackendMemory,
		AccessTokenTTL: time.Hour,
		S3:             config.S3Config{Bucket: "taxdocs"},
	}

	b, err := Open(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Ready(ctx))
	assert.Equal(t, "taxdocs", b.Root)
	assert.IsType(t, &records.MemoryStore{}, b.Records)
	assert.IsType(t, &storage.MemoryStore{}, b.Objects)

	sess, err := b.Identity.CreateAccount(ctx, "filer@example.com", "hunter22")
	require.NoError(t, err)
	verified, err := b.Identity.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, verified.UserID)

	b.Close()
	b.Close()
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Backend: "etcd"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown backend")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	err := Migrate(context.Background(), config.Config{Backend: config.BackendMemory})
	assert.ErrorContains(t, err, "postgres")
}
