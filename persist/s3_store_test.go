package persist

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// TestS3Store needs either S3_MINIO_ENDPOINT pointing at a running MinIO or
// PROVISIONKEY_S3_TESTS=1 with a Docker daemon for testcontainers.
func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if endpoint == "" {
		if os.Getenv("PROVISIONKEY_S3_TESTS") != "1" {
			t.Skip("set S3_MINIO_ENDPOINT or PROVISIONKEY_S3_TESTS=1 to run S3 store tests")
		}

		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MinIO container: %v", err)
		}
		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		host, err := minioContainer.Host(ctx)
		if err != nil {
			t.Fatalf("Failed to get container host: %v", err)
		}
		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}
		endpoint = fmt.Sprintf("%s:%s", host, mappedPort.Port())
	}

	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		bucket = "test-provisionkey-store"
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://"),
		AccessKeyID:     envOr("S3_MINIO_ACCESS_KEY_ID", testAccessKey),
		SecretAccessKey: envOr("S3_MINIO_SECRET_ACCESS_KEY", testSecretKey),
		Bucket:          bucket,
		KeyPrefix:       "provisionkey-test",
		UseSSL:          strings.HasPrefix(endpoint, "https://"),
		Region:          "us-east-1",
	}, testVaultID)
	require.NoError(t, err)
	defer store.Close()

	// start from a clean vault in a shared bucket
	require.NoError(t, store.Wipe())
	if backups, err := store.ListBackups(); err == nil {
		for _, b := range backups {
			_ = store.DeleteBackup(b.BackupID)
		}
	}

	testStoreImplementation(t, store)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
