// Package bulk validates candidate batches and commits them idempotently.
package bulk

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/textnorm"
)

// Resolver resolves reference names to canonical ids.
type Resolver interface {
	Resolve(kind models.EntityKind, rawName string) models.ResolvedEntityRef
}

// ValidRecord is a record that passed validation, with its references resolved.
type ValidRecord struct {
	Record      models.CandidateRecord
	NameKey     string
	Cargo       models.Cargo
	PartyID     *string
	DistrictID  *string
	NeedsReview bool
}

// InvalidRecord is a rejected record with every reason it was rejected.
type InvalidRecord struct {
	Record models.CandidateRecord `json:"record"`
	Errors []string               `json:"errors"`
}

// ValidationResult partitions a batch.
type ValidationResult struct {
	Valid   []ValidRecord
	Invalid []InvalidRecord
}

// Validator checks candidate records without touching the store.
type Validator struct {
	validate     *validator.Validate
	resolver     Resolver
	requireParty bool
}

// NewValidator builds a Validator. When requireParty is set, a record whose
// party cannot be resolved is rejected instead of flagged for review.
func NewValidator(resolver Resolver, requireParty bool) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// RegisterValidation only fails on an empty tag or a nil func.
	_ = v.RegisterValidation("cargo", func(fl validator.FieldLevel) bool {
		return models.Cargo(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v, resolver: resolver, requireParty: requireParty}
}

// Validate partitions records into valid and invalid, preserving input order.
func (v *Validator) Validate(records []models.CandidateRecord) ValidationResult {
	var result ValidationResult
	for _, rec := range records {
		valid, errs := v.ValidateOne(rec)
		if len(errs) > 0 {
			result.Invalid = append(result.Invalid, InvalidRecord{Record: rec, Errors: errs})
			continue
		}
		result.Valid = append(result.Valid, valid)
	}
	return result
}

// ValidateOne checks a single record and resolves its party and district.
func (v *Validator) ValidateOne(rec models.CandidateRecord) (ValidRecord, []string) {
	rec.FullName = textnorm.Whitespace(rec.FullName)
	rec.Cargo = strings.ToLower(strings.TrimSpace(rec.Cargo))
	rec.PartyName = textnorm.Whitespace(rec.PartyName)
	rec.DistrictName = textnorm.Whitespace(rec.DistrictName)

	errs := v.structErrors(rec)
	out := ValidRecord{Record: rec, NameKey: textnorm.Name(rec.FullName), Cargo: models.Cargo(rec.Cargo)}

	if out.Cargo.IsValid() {
		if out.Cargo.RequiresDistrict() && rec.DistrictName == "" {
			errs = append(errs, fmt.Sprintf("district_name is required for %s", out.Cargo))
		}
	}

	if rec.PartyName == "" {
		if v.requireParty {
			errs = append(errs, "party_name is required")
		}
	} else {
		ref := v.resolver.Resolve(models.EntityKindParty, rec.PartyName)
		switch {
		case ref.Found():
			out.PartyID = ref.ID
			out.NeedsReview = out.NeedsReview || ref.NeedsReview()
		case v.requireParty:
			errs = append(errs, fmt.Sprintf("party %q does not match any registered party", rec.PartyName))
		default:
			out.NeedsReview = true
		}
	}

	if rec.DistrictName != "" {
		ref := v.resolver.Resolve(models.EntityKindDistrict, rec.DistrictName)
		switch {
		case ref.Found():
			out.DistrictID = ref.ID
			out.NeedsReview = out.NeedsReview || ref.NeedsReview()
		case out.Cargo.RequiresDistrict():
			errs = append(errs, fmt.Sprintf("district %q does not match any electoral district", rec.DistrictName))
		default:
			out.NeedsReview = true
		}
	}

	if len(errs) > 0 {
		return ValidRecord{}, errs
	}
	return out, nil
}

func (v *Validator) structErrors(rec models.CandidateRecord) []string {
	err := v.validate.Struct(rec)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, translateError(fe))
	}
	return out
}

func translateError(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "cargo":
		return fmt.Sprintf("%s %q is not a recognised office", field, fe.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, param)
	case "numeric":
		return fmt.Sprintf("%s must contain only digits", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
