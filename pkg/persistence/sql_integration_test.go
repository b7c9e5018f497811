//go:build integration

package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/pkg/persistence"
)

// TestSQLMetastore_MySQL runs SQLMetastore against a real MySQL container.
// It is opt-in (build tag "integration") since it pulls a Docker image and
// is too slow/flaky for an ordinary unit test run.
func TestSQLMetastore_MySQL(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "ringvault",
			"MYSQL_DATABASE":      "ringvault",
		},
		WaitingFor: wait.ForLog("ready for connections").WithOccurrence(2).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	dsn := fmt.Sprintf("root:ringvault@tcp(%s:%s)/ringvault?parseTime=true", host, port.Port())

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, time.Minute, time.Second)

	_, err = db.ExecContext(ctx, `CREATE TABLE encryption_key (
		id         VARCHAR(255) NOT NULL,
		created    TIMESTAMP    NOT NULL,
		key_record TEXT         NOT NULL,
		PRIMARY KEY (id, created)
	)`)
	require.NoError(t, err)

	store := persistence.NewSQLMetastore(db, persistence.WithDBType(persistence.MySQL))

	envelope := &ringvault.EnvelopeKeyRecord{
		Created:      time.Now().Unix(),
		EncryptedKey: []byte("ciphertext"),
	}

	ok, err := store.Store(ctx, "integration-test-id", envelope.Created, envelope)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err := store.LoadLatest(ctx, "integration-test-id")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, envelope.EncryptedKey, loaded.EncryptedKey)

	// A duplicate (id, created) write trips the table's primary key and
	// comes back as a non-nil error; callers treat any false/error return
	// from Store identically and fall back to reloading.
	ok, err = store.Store(ctx, "integration-test-id", envelope.Created, envelope)
	require.Error(t, err)
	require.False(t, ok)
}
