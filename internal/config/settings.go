package config

import (
	"fmt"
	"strings"
	"time"
)

// Configuration keys.
const (
	KeySourceURL      = "source.url"
	KeySourceUsername = "source.username"
	KeySourceAPIToken = "source.api_token"
	KeySourceProject  = "source.project"
	KeySourcePageSize = "source.page_size"

	KeyTargetURL            = "target.url"
	KeyTargetAPIKey         = "target.api_key"
	KeyTargetExtendedPrefix = "target.extended_api_prefix"

	KeyDatabaseDriver = "database.driver"
	KeyDatabaseDSN    = "database.dsn"
	KeyDatabaseName   = "database.name"

	KeyAttachmentsDir     = "attachments.dir"
	KeyAttachmentsWorkers = "attachments.workers"
	KeyArchiveKind        = "attachments.archive.kind"
	KeyArchivePath        = "attachments.archive.path"
	KeyArchiveBucket      = "attachments.archive.bucket"
	KeyArchiveRegion      = "attachments.archive.region"

	KeyRetryMaxAttempts = "retry.max_attempts"
	KeyRetryBaseDelay   = "retry.base_delay"

	KeyVocabularyFile = "vocabulary.file"
	KeyHTTPTimeout    = "http.timeout"
)

func registerDefaults() {
	v.SetDefault(KeySourcePageSize, 100)
	v.SetDefault(KeyTargetExtendedPrefix, "/extended_api")

	v.SetDefault(KeyDatabaseDriver, "sqlite")
	v.SetDefault(KeyDatabaseDSN, "trackbridge.db")
	v.SetDefault(KeyDatabaseName, "trackbridge")

	v.SetDefault(KeyAttachmentsDir, "attachments")
	v.SetDefault(KeyAttachmentsWorkers, 4)
	v.SetDefault(KeyArchiveKind, "none")

	v.SetDefault(KeyRetryMaxAttempts, 5)
	v.SetDefault(KeyRetryBaseDelay, "2s")
	v.SetDefault(KeyHTTPTimeout, "60s")
}

// SourceSettings configures the source tracker client.
type SourceSettings struct {
	URL      string
	Username string
	APIToken string
	Project  string
	PageSize int
}

// TargetSettings configures the target tracker client.
type TargetSettings struct {
	URL            string
	APIKey         string
	ExtendedPrefix string
}

// DatabaseSettings selects the mapping store.
type DatabaseSettings struct {
	Driver string
	DSN    string
	Name   string
}

// ArchiveSettings selects where downloaded binaries are mirrored.
type ArchiveSettings struct {
	Kind string
	// Path is the local root directory, or the key prefix inside an S3 bucket.
	Path   string
	Bucket string
	Region string
}

// AttachmentSettings configures the binary transfer queues.
type AttachmentSettings struct {
	Dir     string
	Workers int
	Archive ArchiveSettings
}

// RetrySettings configures rate-limit retries on both HTTP clients.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Settings is the full resolved configuration.
type Settings struct {
	Source      SourceSettings
	Target      TargetSettings
	Database    DatabaseSettings
	Attachments AttachmentSettings
	Retry       RetrySettings
	Vocabulary  string
	HTTPTimeout time.Duration
}

// GetSettings returns the current configuration.
func GetSettings() Settings {
	return Settings{
		Source: SourceSettings{
			URL:      GetString(KeySourceURL),
			Username: GetString(KeySourceUsername),
			APIToken: GetString(KeySourceAPIToken),
			Project:  GetString(KeySourceProject),
			PageSize: GetInt(KeySourcePageSize),
		},
		Target: TargetSettings{
			URL:            GetString(KeyTargetURL),
			APIKey:         GetString(KeyTargetAPIKey),
			ExtendedPrefix: GetString(KeyTargetExtendedPrefix),
		},
		Database: DatabaseSettings{
			Driver: GetString(KeyDatabaseDriver),
			DSN:    GetString(KeyDatabaseDSN),
			Name:   GetString(KeyDatabaseName),
		},
		Attachments: AttachmentSettings{
			Dir:     GetString(KeyAttachmentsDir),
			Workers: GetInt(KeyAttachmentsWorkers),
			Archive: ArchiveSettings{
				Kind:   GetString(KeyArchiveKind),
				Path:   GetString(KeyArchivePath),
				Bucket: GetString(KeyArchiveBucket),
				Region: GetString(KeyArchiveRegion),
			},
		},
		Retry: RetrySettings{
			MaxAttempts: GetInt(KeyRetryMaxAttempts),
			BaseDelay:   GetDuration(KeyRetryBaseDelay),
		},
		Vocabulary:  GetString(KeyVocabularyFile),
		HTTPTimeout: GetDuration(KeyHTTPTimeout),
	}
}

// RequireSource checks the keys every source call needs.
func RequireSource() error {
	return requireAll(KeySourceURL, KeySourceAPIToken)
}

// RequireTarget checks the keys every target call needs.
func RequireTarget() error {
	return requireAll(KeyTargetURL, KeyTargetAPIKey)
}

func requireAll(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, err := GetRequired(k); err != nil {
			missing = append(missing, err.Error())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s", strings.Join(missing, "\n"))
	}
	return nil
}
