package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tyler-james-bridges/provisionkey/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store keeps the vault records as objects in an S3 compatible bucket
type S3Store struct {
	client *minio.Client

	bucketName string

	keyPrefix string

	vaultID string
}

type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The S3 bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the S3 bucket.
}

// NewS3Store connects to the bucket, creating it when missing
func NewS3Store(config S3Config, vaultID string) (*S3Store, error) {
	if vaultID == "" {
		vaultID = "default"
	}

	if err := validateVaultID(vaultID); err != nil {
		return nil, fmt.Errorf("invalid vault ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		vaultID:    vaultID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig decodes S3Config from a generic store config
func NewS3StoreFromConfig(config StoreConfig, vaultID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, vaultID)
}

func (s3s *S3Store) SaveSettings(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("settings cannot be empty")
	}
	return s3s.putVersioned(s3s.objectName("settings.json"), "SaveSettings", "application/json", data, expectedVersion)
}

func (s3s *S3Store) LoadSettings() (*VersionedData, error) {
	return s3s.getVersioned(s3s.objectName("settings.json"), "settings")
}

func (s3s *S3Store) SettingsExist() (bool, error) {
	return s3s.objectExists(s3s.objectName("settings.json"))
}

func (s3s *S3Store) SaveDocument(token []byte, expectedVersion string) (string, error) {
	if len(token) == 0 {
		return "", fmt.Errorf("document cannot be empty")
	}
	return s3s.putVersioned(s3s.objectName("vault.token"), "SaveDocument", "text/plain", token, expectedVersion)
}

func (s3s *S3Store) LoadDocument() (*VersionedData, error) {
	return s3s.getVersioned(s3s.objectName("vault.token"), "document")
}

func (s3s *S3Store) DocumentExists() (bool, error) {
	return s3s.objectExists(s3s.objectName("vault.token"))
}

func (s3s *S3Store) Wipe() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	var errs []error
	for _, name := range []string{s3s.objectName("vault.token"), s3s.objectName("settings.json")} {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, name, minio.RemoveObjectOptions{})
		if err != nil && !s3s.isNotFoundError(err) {
			errs = append(errs, fmt.Errorf("failed to delete object %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s3s *S3Store) putVersioned(objectName, operation, contentType string, data []byte, expectedVersion string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"vault-id":   s3s.vaultID,
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		current, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       operation,
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       operation,
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", objectName, err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) getVersioned(objectName, name string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on the first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s info: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) SaveBackup(backupPath string, container *BackupContainer) error {
	if container == nil {
		return fmt.Errorf("backup container cannot be nil")
	}
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if container.VaultID == "" {
		container.VaultID = s3s.vaultID
	}

	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup container: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.backupObjectName(backupPath)
	debug.Print("SaveBackup: writing object %s\n", objectName)

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"backup-id": container.BackupID,
				"vault-id":  container.VaultID,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

func (s3s *S3Store) RestoreBackup(backupPath string) (*BackupContainer, error) {
	vd, err := s3s.getVersioned(s3s.backupObjectName(backupPath), "backup "+backupPath)
	if err != nil {
		return nil, err
	}

	var container BackupContainer
	if err = json.Unmarshal(vd.Data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	if err = validateBackupContainer(&container); err != nil {
		return nil, fmt.Errorf("invalid backup: %w", err)
	}
	return &container, nil
}

func (s3s *S3Store) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.objectName("backups") + "/"
	backups := make([]BackupInfo, 0)
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}

		name := strings.TrimPrefix(object.Key, prefix)
		container, err := s3s.RestoreBackup(strings.TrimSuffix(name, backupExt))
		if err != nil {
			debug.Print("ListBackups: skipping %s: %v\n", object.Key, err)
			continue
		}

		info := backupInfoFromContainer(container)
		info.FileSize = object.Size
		info.StorePath = name
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
	return backups, nil
}

func (s3s *S3Store) DeleteBackup(backupID string) error {
	backups, err := s3s.ListBackups()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	for _, b := range backups {
		if b.BackupID != backupID {
			continue
		}
		objectName := s3s.objectName("backups", b.StorePath)
		if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
		}
		return nil
	}
	return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close is a no-op; the minio client holds no persistent connection state
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) objectName(components ...string) string {
	parts := make([]string, 0, len(components)+2)
	if p := strings.Trim(s3s.keyPrefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, s3s.vaultID)
	parts = append(parts, components...)
	return path.Join(parts...)
}

func (s3s *S3Store) backupObjectName(backupPath string) string {
	name := path.Base(strings.TrimSpace(backupPath))
	if !strings.HasSuffix(name, backupExt) {
		name += backupExt
	}
	return s3s.objectName("backups", name)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	info, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(info.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
