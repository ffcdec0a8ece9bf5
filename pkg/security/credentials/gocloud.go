package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/secrets"
)

// Keeper and bucket drivers are registered by blank imports in the binary,
// e.g. gocloud.dev/secrets/localsecrets and gocloud.dev/blob/fileblob.

// sealedCredentials marshals without redaction.
type sealedCredentials Credentials

// envelope is the plaintext kept encrypted in the bucket.
type envelope struct {
	Credentials *sealedCredentials `json:"credentials"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SecretProvider decrypts credentials stored as an encrypted envelope
// under key in a blob bucket.
type SecretProvider struct {
	keeper *secrets.Keeper
	bucket *blob.Bucket
	key    string
	config ProviderConfig
	logger *slog.Logger
	owned  bool

	mu          sync.RWMutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// OpenSecretProvider opens the keeper and bucket by URL, for example
// "base64key://..." and "file:///etc/eventdaemon". Close releases both.
func OpenSecretProvider(ctx context.Context, keeperURL, bucketURL, key string) (*SecretProvider, error) {
	if keeperURL == "" || bucketURL == "" || key == "" {
		return nil, errors.New("keeper URL, bucket URL and key are required")
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("opening secret keeper: %w", err)
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		keeper.Close()
		return nil, fmt.Errorf("opening secret bucket: %w", err)
	}
	p, err := NewSecretProvider(ctx, keeper, bucket, key, DefaultConfig(), slog.Default())
	if err != nil {
		bucket.Close()
		keeper.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewSecretProvider loads the envelope once and keeps it cached. The
// keeper and bucket stay owned by the caller.
func NewSecretProvider(ctx context.Context, keeper *secrets.Keeper, bucket *blob.Bucket, key string, config ProviderConfig, logger *slog.Logger) (*SecretProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SecretProvider{
		keeper:      keeper,
		bucket:      bucket,
		key:         key,
		config:      config,
		logger:      logger.With("secret", key),
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	if _, err := p.load(ctx); err != nil {
		return nil, fmt.Errorf("loading initial credentials: %w", err)
	}

	if config.RefreshInterval > 0 {
		go p.autoRefresh()
	} else {
		close(p.refreshDone)
	}
	return p, nil
}

// GetCredentials returns cached credentials, reloading after CacheTTL.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	closed, creds, fresh := p.closed, p.cached, time.Now().Before(p.cacheExpiry)
	p.mu.RUnlock()

	if closed {
		return nil, ErrProviderClosed
	}
	if creds == nil || !fresh {
		var err error
		if creds, err = p.load(ctx); err != nil {
			return nil, err
		}
	}
	if creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}

	ciphertext, err := p.bucket.ReadAll(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", p.key, err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret %s: %w", p.key, err)
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("decoding secret %s: %w", p.key, err)
	}
	if env.Credentials == nil {
		return nil, fmt.Errorf("%w: secret %s holds no credentials", ErrInvalidCredentials, p.key)
	}
	creds := (*Credentials)(env.Credentials)
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	p.cached = creds
	p.cacheExpiry = time.Now().Add(p.config.CacheTTL)
	return creds, nil
}

// Rotate drops the cache and reloads the envelope.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	p.mu.Lock()
	p.cached = nil
	p.cacheExpiry = time.Time{}
	p.mu.Unlock()

	_, err := p.load(ctx)
	return err
}

// Type returns the type of the cached credentials.
func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return ""
	}
	return p.cached.Type
}

// Close stops the refresh loop. Keeper and bucket are closed only when
// opened by OpenSecretProvider.
func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone

		if p.owned {
			err = errors.Join(p.bucket.Close(), p.keeper.Close())
		}
	})
	return err
}

func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := p.load(ctx); err != nil && !errors.Is(err, ErrProviderClosed) {
				p.logger.Warn("credential refresh failed", "error", err)
			}
			cancel()
		case <-p.refreshStop:
			return
		}
	}
}

// StoreCredentials encrypts creds with keeper and writes the envelope
// under key in bucket.
func StoreCredentials(ctx context.Context, keeper *secrets.Keeper, bucket *blob.Bucket, key string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(envelope{
		Credentials: (*sealedCredentials)(creds),
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := bucket.WriteAll(ctx, key, ciphertext, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("writing secret %s: %w", key, err)
	}
	return nil
}
