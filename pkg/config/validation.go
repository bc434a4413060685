package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags plus
// the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	// The reference cache must not outlive the presigned URLs it caches by
	// configuration alone; the clamp at store time handles the rest, but a
	// TTL beyond the presign lifetime is a misconfiguration worth rejecting.
	if cfg.ReferenceCache.TTL > cfg.ObjectStore.PresignTTL {
		return fmt.Errorf("invalid configuration: reference_cache.ttl (%s) exceeds object_store.presign_ttl (%s)",
			cfg.ReferenceCache.TTL, cfg.ObjectStore.PresignTTL)
	}

	// A retry delay at or above the interest TTL would let locks lapse
	// between polls even with a healthy producer heartbeating.
	if cfg.Retry.Delay <= 0 {
		return fmt.Errorf("invalid configuration: retry.delay must be positive")
	}
	if cfg.Interest.TTL <= 0 {
		return fmt.Errorf("invalid configuration: interest.ttl must be positive")
	}

	return nil
}
