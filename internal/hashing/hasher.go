package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"attendance-service/internal/clock"
	"attendance-service/internal/config"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint format")
	ErrUnknownPepper      = errors.New("pepper version not found")
)

const keptPeppers = 2

type Pepper struct {
	Value     []byte
	CreatedAt time.Time
	Version   int
}

// Hasher produces keyed BLAKE2b fingerprints of values that must not leave
// the process in clear, such as token values and student identifiers.
type Hasher struct {
	mu            sync.RWMutex
	currentPepper *Pepper
	oldPeppers    []*Pepper
	rotateEvery   time.Duration
	clock         clock.Clock
	logger        *zap.Logger
}

func NewHasher(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*Hasher, error) {
	h := &Hasher{
		rotateEvery: time.Duration(cfg.Hashing.PepperRotationDays) * 24 * time.Hour,
		clock:       clk,
		logger:      logger.Named("hashing"),
	}

	if cfg.Hashing.Pepper != "" {
		sum := blake2b.Sum256([]byte(cfg.Hashing.Pepper))
		h.currentPepper = &Pepper{Value: sum[:], CreatedAt: clk.Now(), Version: 1}
		return h, nil
	}
	if err := h.RotatePepper(); err != nil {
		return nil, err
	}
	return h, nil
}

// RotatePepper installs a fresh random pepper. Fingerprints made with the
// previous keptPeppers versions still verify.
func (h *Hasher) RotatePepper() error {
	value := make([]byte, 32)
	if _, err := rand.Read(value); err != nil {
		return fmt.Errorf("failed to generate pepper: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
		if len(h.oldPeppers) > keptPeppers {
			h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-keptPeppers:]
		}
	}
	h.currentPepper = &Pepper{Value: value, CreatedAt: h.clock.Now(), Version: version}

	h.logger.Info("Pepper rotated", zap.Int("version", version))
	return nil
}

// RunPepperRotation rotates on the configured period until stop is closed.
func (h *Hasher) RunPepperRotation(stop <-chan struct{}) {
	if h.rotateEvery <= 0 {
		return
	}
	ticker := h.clock.NewTicker(h.rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.RotatePepper(); err != nil {
				h.logger.Error("Pepper rotation failed", zap.Error(err))
			}
		}
	}
}

// Fingerprint returns "v<version>.<digest>" for value within purpose.
// The purpose separates digests of the same value used in different roles.
func (h *Hasher) Fingerprint(purpose, value string) string {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	return "v" + strconv.Itoa(pepper.Version) + "." + digest(pepper.Value, purpose, value)
}

// Verify reports whether fp is a fingerprint of value for purpose.
func (h *Hasher) Verify(purpose, value, fp string) (bool, error) {
	versionPart, sum, ok := strings.Cut(fp, ".")
	if !ok || !strings.HasPrefix(versionPart, "v") {
		return false, ErrInvalidFingerprint
	}
	version, err := strconv.Atoi(versionPart[1:])
	if err != nil {
		return false, ErrInvalidFingerprint
	}
	pepper, err := h.pepper(version)
	if err != nil {
		return false, err
	}
	expected := digest(pepper, purpose, value)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sum)) == 1, nil
}

func (h *Hasher) CurrentVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

func (h *Hasher) pepper(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, p := range h.oldPeppers {
		if p.Version == version {
			return p.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}

func digest(key []byte, purpose, value string) string {
	// blake2b.New256 only fails for keys over 64 bytes.
	mac, _ := blake2b.New256(key)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
