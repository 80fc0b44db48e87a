package auth

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/cache"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Hash algorithms accepted in registry records
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA512 = "sha512"
)

// APIKeyRecord is one entry of the key registry. A record is usable when
// both ID and SecretHash are set; when Checksum is present it must equal
// sha256(id:secretHash:algorithm).
type APIKeyRecord struct {
	ID            string                 `json:"id"`
	SecretHash    string                 `json:"secretHash"`
	Algorithm     string                 `json:"algorithm,omitempty"`
	Scopes        []string               `json:"scopes,omitempty"`
	LastRotatedAt *time.Time             `json:"lastRotatedAt,omitempty"`
	Checksum      string                 `json:"checksum,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ExpectedChecksum computes the integrity checksum for the record
func (r APIKeyRecord) ExpectedChecksum() string {
	sum := sha256.Sum256([]byte(r.ID + ":" + r.SecretHash + ":" + r.algorithm()))
	return hex.EncodeToString(sum[:])
}

func (r APIKeyRecord) algorithm() string {
	if r.Algorithm == "" {
		return AlgorithmSHA256
	}
	return strings.ToLower(r.Algorithm)
}

func (r APIKeyRecord) hashSecret(secret string) string {
	switch r.algorithm() {
	case AlgorithmSHA512:
		sum := sha512.Sum512([]byte(secret))
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}
}

// KeyProvider supplies registry records programmatically, bypassing the
// file and inline sources.
type KeyProvider func(ctx context.Context) ([]APIKeyRecord, error)

// KeyRegistryConfig selects the registry source. FilePath wins over Source
// when both are set; a registered provider wins over both.
type KeyRegistryConfig struct {
	Source   string `mapstructure:"source"`
	FilePath string `mapstructure:"file_path"`
}

// KeyAuthResult carries the matched record and its normalized scopes
type KeyAuthResult struct {
	Record APIKeyRecord
	Scopes []string
}

// Key authentication failures
var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrChecksumMismatch = errors.New("API key registry checksum mismatch")
)

// KeyRegistry parses and caches API-key records and verifies presented
// credentials. The parsed record set is cached under a source signature
// that combines the source identity with its modification time and size,
// so edits to the backing file invalidate automatically.
type KeyRegistry struct {
	config KeyRegistryConfig

	mu        sync.RWMutex
	provider  KeyProvider
	records   map[string]APIKeyRecord
	signature string

	verifyCache cache.Cache
	logger      observability.Logger
}

// NewKeyRegistry creates a registry for the given source configuration.
// verifyCache may be nil to disable verification-result caching.
func NewKeyRegistry(config KeyRegistryConfig, verifyCache cache.Cache, logger observability.Logger) *KeyRegistry {
	return &KeyRegistry{
		config:      config,
		verifyCache: verifyCache,
		logger:      logger,
	}
}

// SetProvider installs or removes (nil) a programmatic record provider
func (k *KeyRegistry) SetProvider(provider KeyProvider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.provider = provider
	k.records = nil
	k.signature = ""
}

// ClearCache drops the cached record set; the next authenticate re-reads
// the source.
func (k *KeyRegistry) ClearCache() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.records = nil
	k.signature = ""
}

// IsConfigured reports whether any source is available
func (k *KeyRegistry) IsConfigured() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.provider != nil || k.config.FilePath != "" || k.config.Source != ""
}

// currentSignature derives the cache key for the configured source
func (k *KeyRegistry) currentSignature() (string, error) {
	if k.config.FilePath != "" {
		info, err := os.Stat(k.config.FilePath)
		if err != nil {
			return "", errors.Wrap(err, "stat key registry file")
		}
		return fmt.Sprintf("file:%s:%d:%d", k.config.FilePath, info.ModTime().UnixNano(), info.Size()), nil
	}
	sum := sha256.Sum256([]byte(k.config.Source))
	return "inline:" + hex.EncodeToString(sum[:8]), nil
}

// load returns the current record set, re-reading the source only when
// its signature changed since the last read.
func (k *KeyRegistry) load(ctx context.Context) (map[string]APIKeyRecord, string, error) {
	k.mu.RLock()
	provider := k.provider
	k.mu.RUnlock()

	if provider != nil {
		records, err := provider(ctx)
		if err != nil {
			return nil, "", errors.Wrap(err, "key provider failed")
		}
		return indexRecords(records, k.logger), "provider", nil
	}

	signature, err := k.currentSignature()
	if err != nil {
		return nil, "", err
	}

	k.mu.RLock()
	if k.records != nil && k.signature == signature {
		records := k.records
		k.mu.RUnlock()
		return records, signature, nil
	}
	k.mu.RUnlock()

	raw := k.config.Source
	if k.config.FilePath != "" {
		payload, err := os.ReadFile(k.config.FilePath)
		if err != nil {
			return nil, "", errors.Wrap(err, "read key registry file")
		}
		raw = string(payload)
	}

	parsed, err := ParseKeyRegistry(raw)
	if err != nil {
		return nil, "", err
	}
	records := indexRecords(parsed, k.logger)

	k.mu.Lock()
	k.records = records
	k.signature = signature
	k.mu.Unlock()

	k.logger.Info("API key registry loaded", map[string]interface{}{
		"keys":      len(records),
		"signature": signature,
	})
	return records, signature, nil
}

// ParseKeyRegistry accepts either {"keys":[...]} or a bare record array
func ParseKeyRegistry(raw string) ([]APIKeyRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var wrapped struct {
		Keys []APIKeyRecord `json:"keys"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && wrapped.Keys != nil {
		return wrapped.Keys, nil
	}

	var bare []APIKeyRecord
	if err := json.Unmarshal([]byte(raw), &bare); err != nil {
		return nil, errors.Wrap(err, "parse key registry source")
	}
	return bare, nil
}

func indexRecords(records []APIKeyRecord, logger observability.Logger) map[string]APIKeyRecord {
	indexed := make(map[string]APIKeyRecord, len(records))
	for _, record := range records {
		if record.ID == "" || record.SecretHash == "" {
			logger.Warn("Skipping incomplete API key record", map[string]interface{}{
				"id": record.ID,
			})
			continue
		}
		indexed[record.ID] = record
	}
	return indexed
}

// Authenticate verifies a presented credential, the base64 of "id:secret".
// The secret comparison is constant-time against the stored hash.
func (k *KeyRegistry) Authenticate(ctx context.Context, presented string) (*KeyAuthResult, error) {
	records, signature, err := k.load(ctx)
	if err != nil {
		return nil, err
	}

	cacheKey := ""
	if k.verifyCache != nil {
		sum := sha256.Sum256([]byte(signature + "|" + presented))
		cacheKey = "auth:apikey:" + hex.EncodeToString(sum[:])
		var cached KeyAuthResult
		if err := k.verifyCache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(presented)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok || id == "" {
		return nil, ErrInvalidAPIKey
	}

	record, ok := records[id]
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	if record.Checksum != "" && record.Checksum != record.ExpectedChecksum() {
		k.logger.Error("API key registry integrity failure", map[string]interface{}{
			"key_id": record.ID,
		})
		return nil, ErrChecksumMismatch
	}

	computed := record.hashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(record.SecretHash)) != 1 {
		return nil, ErrInvalidAPIKey
	}

	result := &KeyAuthResult{
		Record: record,
		Scopes: NormalizeScopes(record.Scopes),
	}

	if k.verifyCache != nil && cacheKey != "" {
		if err := k.verifyCache.Set(ctx, cacheKey, result, 5*time.Minute); err != nil {
			k.logger.Warn("Failed to cache API key verification", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return result, nil
}

// ActiveRecords returns the usable records in the current source, mainly
// for diagnostics and tests.
func (k *KeyRegistry) ActiveRecords(ctx context.Context) ([]APIKeyRecord, error) {
	records, _, err := k.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]APIKeyRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record)
	}
	return out, nil
}
