package ops

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/cachemap"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds the per-cache policies. It is immutable once the cache is
// built.
type Config struct {
	ItemTTL          time.Duration `yaml:"itemTTL" validate:"gt=0"`
	QueryTTL         time.Duration `yaml:"queryTTL" validate:"gt=0"`
	FacetTTL         time.Duration `yaml:"facetTTL" validate:"gt=0"`
	EvictionMaxItems int           `yaml:"evictionMaxItems" validate:"gte=0"`

	// NegativeTTL caches NotFound answers for that long. Zero disables it.
	NegativeTTL time.Duration `yaml:"negativeTTL" validate:"gte=0"`

	// RemoteTimeout bounds each remote call. Zero leaves the caller's
	// deadline alone.
	RemoteTimeout  time.Duration `yaml:"remoteTimeout" validate:"gte=0"`
	StorageTimeout time.Duration `yaml:"storageTimeout" validate:"gte=0"`
	OpenTimeout    time.Duration `yaml:"openTimeout" validate:"gte=0"`
	PinGrace       time.Duration `yaml:"pinGrace" validate:"gte=0"`

	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the defaults used for fields a config file leaves
// unset.
func DefaultConfig() Config {
	return Config{
		ItemTTL:          5 * time.Minute,
		QueryTTL:         5 * time.Minute,
		FacetTTL:         time.Minute,
		EvictionMaxItems: 1000,
		StorageTimeout:   5 * time.Second,
		OpenTimeout:      10 * time.Second,
		PinGrace:         time.Second,
	}
}

// Validate checks the struct tags and returns a *cacheerr.ValidationError
// naming every offending field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &cacheerr.ValidationError{Field: "config", Err: err}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return &cacheerr.ValidationError{Field: "config", Reason: strings.Join(msgs, "; ")}
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func (c Config) mapConfig() cachemap.Config {
	return cachemap.Config{
		ItemTTL:     c.ItemTTL,
		QueryTTL:    c.QueryTTL,
		FacetTTL:    c.FacetTTL,
		MaxItems:    c.EvictionMaxItems,
		PinGrace:    c.PinGrace,
		NegativeTTL: c.NegativeTTL,
	}
}
