package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"attendance-service/internal/clock"
	"attendance-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// dataKeyLifetime bounds how long one DEK seals new values.
const dataKeyLifetime = time.Hour

// KMSAPI is the part of the KMS client envelope encryption needs.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
	CreatedAt  time.Time
}

// EncryptionManager seals identifiers in outbound history events with
// AES-256-GCM data keys. Data keys come from KMS when enabled; otherwise
// they are wrapped by a process-local master key.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	localKey  []byte
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	current  map[string]*DataKey // purpose -> active DEK
	keyCache sync.Map            // encrypted DEK (base64) -> plaintext DEK
}

// NewEncryptionManager builds a manager. kmsClient may be nil when KMS is disabled.
func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI, clk clock.Clock, logger *zap.Logger) (*EncryptionManager, error) {
	em := &EncryptionManager{
		clock:   clk,
		logger:  logger.Named("encryption"),
		current: make(map[string]*DataKey),
	}
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, fmt.Errorf("%w: KMS enabled without a client", ErrEncryptionFailed)
		}
		em.kmsClient = kmsClient
		em.kmsKeyID = cfg.KMS.KeyID
		return em, nil
	}

	em.localKey = make([]byte, 32)
	if _, err := rand.Read(em.localKey); err != nil {
		return nil, fmt.Errorf("%w: local master key: %v", ErrEncryptionFailed, err)
	}
	em.kmsKeyID = "local-" + uuid.New().String()
	return em, nil
}

// dataKey returns the active DEK for purpose, generating one when missing or old.
func (em *EncryptionManager) dataKey(ctx context.Context, purpose string) (*DataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	now := em.clock.Now()
	if dk, ok := em.current[purpose]; ok && now.Sub(dk.CreatedAt) < dataKeyLifetime {
		return dk, nil
	}

	dk, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	dk.CreatedAt = now
	em.current[purpose] = dk
	em.keyCache.Store(base64.StdEncoding.EncodeToString(dk.Ciphertext), dk.Plaintext)

	em.logger.Debug("Data key generated", zap.String("purpose", purpose), zap.String("key_id", dk.KeyID))
	return dk, nil
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient != nil {
		result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.kmsKeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{
			Plaintext:  result.Plaintext,
			Ciphertext: result.CiphertextBlob,
			KeyID:      em.kmsKeyID,
		}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: em.kmsKeyID}, nil
}

// EncryptField seals plaintext under the active DEK for keyPurpose.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, keyPurpose string) (*EncryptedData, error) {
	dk, err := em.dataKey(ctx, keyPurpose)
	if err != nil {
		return nil, err
	}
	ciphertext, err := seal(dk.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dk.Ciphertext),
		KeyID:          dk.KeyID,
		Version:        "v1",
		CreatedAt:      em.clock.Now().UTC(),
	}, nil
}

// DecryptField opens a value sealed by EncryptField.
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData) (string, error) {
	if cached, ok := em.keyCache.Load(data.EncryptedDEK); ok {
		return em.decryptWithKey(data.EncryptedValue, cached.([]byte))
	}

	wrapped, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	if em.kmsClient != nil {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	} else {
		dek, err = open(em.localKey, wrapped)
		if err != nil {
			return "", err
		}
	}

	em.keyCache.Store(data.EncryptedDEK, dek)
	return em.decryptWithKey(data.EncryptedValue, dek)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ClearCache drops cached DEKs and forces new data keys on next use.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.current = make(map[string]*DataKey)
	em.mu.Unlock()
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

// seal returns nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
