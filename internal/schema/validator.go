package schema

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks raw ingest records against their struct tags and bounds
// record timestamps.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// ValidatorConfig holds configuration for the validator. A zero MaxAge
// disables the age check so recorded captures can be replayed.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    0,
		MaxFuture: 5 * time.Second,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	// Unix timestamps must be finite and not before the epoch.
	v.RegisterValidation("unix_ts", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0
	})

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// Struct validates s against its validate tags. The first failing field is
// reported as a *ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
	}
	return &ValidationError{Field: "record", Reason: err.Error()}
}

// Timestamp checks ts against the configured age and future bounds.
func (v *Validator) Timestamp(ts time.Time) error {
	now := v.now()
	if v.maxAge > 0 && ts.Before(now.Add(-v.maxAge)) {
		return &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("too old (max age %v)", v.maxAge)}
	}
	if v.maxFuture > 0 && ts.After(now.Add(v.maxFuture)) {
		return &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("in the future (max skew %v)", v.maxFuture)}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "ip":
		return fmt.Sprintf("not an IP address: %v", fe.Value())
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "unix_ts":
		return "not a valid unix timestamp"
	default:
		return "failed " + fe.Tag()
	}
}
