// Package validator checks ingestion batches. The envelope is validated as
// a whole; events are decoded and validated one at a time so that a bad
// event is rejected without failing the rest of its batch.
package validator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/telhawk-systems/relay/common/models"
	ingestmodels "github.com/telhawk-systems/relay/ingest/internal/models"
)

// ErrInvalidBatch marks envelope problems that fail the whole request.
var ErrInvalidBatch = errors.New("invalid batch")

// Rejection explains why a single event was refused.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return r.Reason
	}
	return r.Field + ": " + r.Reason
}

func reject(field, reason string) *Rejection {
	return &Rejection{Field: field, Reason: reason}
}

// Validator defines a check applied to each decoded event.
type Validator interface {
	Validate(ctx context.Context, ev *models.RawEvent) error
}

// Chain applies a list of validators sequentially.
type Chain struct {
	validators []Validator
}

// NewChain constructs a validator chain.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Default is the chain used by the ingestion service.
func Default() *Chain {
	return NewChain(StructValidator{}, BasicValidator{})
}

// Validate executes validators in order until one fails.
func (c *Chain) Validate(ctx context.Context, ev *models.RawEvent) error {
	if c == nil {
		return nil
	}
	for _, v := range c.validators {
		if err := v.Validate(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names (payload.text) rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateBatch checks the batch envelope: batch id present, bounded sizes,
// events present.
func ValidateBatch(req *ingestmodels.BatchRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidBatch)
	}
	if err := validate.Struct(req); err != nil {
		if r := firstRejection(err); r != nil {
			return fmt.Errorf("%w: %s", ErrInvalidBatch, r)
		}
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return nil
}

// StructValidator applies the struct tags declared on RawEvent and Payload.
type StructValidator struct{}

func (StructValidator) Validate(ctx context.Context, ev *models.RawEvent) error {
	if err := validate.StructCtx(ctx, ev); err != nil {
		if r := firstRejection(err); r != nil {
			return r
		}
		return reject("", err.Error())
	}
	return nil
}

// BasicValidator covers the rules struct tags cannot express.
type BasicValidator struct{}

func (BasicValidator) Validate(_ context.Context, ev *models.RawEvent) error {
	if strings.TrimSpace(ev.Payload.Text) == "" {
		return reject("payload.text", "required")
	}
	if ev.ObservedAt.IsZero() {
		return reject("observedAt", "required")
	}
	// PostgreSQL text and jsonb cannot hold U+0000.
	if strings.ContainsRune(ev.LogicalID, 0) {
		return reject("logicalId", "must not contain NUL characters")
	}
	core := []struct{ field, value string }{
		{"payload.author", ev.Payload.Author},
		{"payload.channel", ev.Payload.Channel},
		{"payload.text", ev.Payload.Text},
		{"payload.quoted", ev.Payload.Quoted},
	}
	for _, f := range core {
		if strings.ContainsRune(f.value, 0) {
			return reject(f.field, "must not contain NUL characters")
		}
	}
	for key, value := range ev.Payload.Extensions {
		if strings.ContainsRune(key, 0) {
			return reject("payload", "extension keys must not contain NUL characters")
		}
		if models.ContainsNUL(value) {
			return reject("payload."+key, "must not contain NUL characters")
		}
	}
	return nil
}

func firstRejection(err error) *Rejection {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return nil
	}
	fe := verrs[0]
	return reject(fieldPath(fe.Namespace()), tagReason(fe))
}

// fieldPath drops the top-level struct name: "RawEvent.payload.text" -> "payload.text".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func tagReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "max":
		if fe.Kind() == reflect.Slice {
			return "at most " + fe.Param() + " items"
		}
		return "longer than " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}
