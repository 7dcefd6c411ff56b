package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Draft field names as rendered by the address form.
const (
	FieldRecipientName  = "recipientName"
	FieldPhone          = "phone"
	FieldStreetAddress  = "streetAddress"
	FieldPostalCode     = "postalCode"
	FieldCityID         = "cityId"
	FieldNeighborhoodID = "neighborhoodId"
	FieldAdditionalInfo = "additionalInfo"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{6,19}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// AddressDraft holds the fields of a not-yet-persisted shipping address.
type AddressDraft struct {
	RecipientName  string `json:"recipientName" validate:"notblank,max=100"`
	Phone          string `json:"phone" validate:"notblank,phone"`
	StreetAddress  string `json:"streetAddress" validate:"notblank,max=200"`
	PostalCode     string `json:"postalCode" validate:"omitempty,max=20"`
	CityID         string `json:"cityId" validate:"notblank"`
	NeighborhoodID string `json:"neighborhoodId" validate:"notblank"`
	AdditionalInfo string `json:"additionalInfo" validate:"omitempty,max=250"`
}

// DraftFields lists every draft field in form order.
func DraftFields() []string {
	return []string{
		FieldRecipientName,
		FieldPhone,
		FieldStreetAddress,
		FieldPostalCode,
		FieldCityID,
		FieldNeighborhoodID,
		FieldAdditionalInfo,
	}
}

// Normalized returns a copy with surrounding whitespace removed.
func (d AddressDraft) Normalized() AddressDraft {
	return AddressDraft{
		RecipientName:  strings.TrimSpace(d.RecipientName),
		Phone:          strings.TrimSpace(d.Phone),
		StreetAddress:  strings.TrimSpace(d.StreetAddress),
		PostalCode:     strings.TrimSpace(d.PostalCode),
		CityID:         strings.TrimSpace(d.CityID),
		NeighborhoodID: strings.TrimSpace(d.NeighborhoodID),
		AdditionalInfo: strings.TrimSpace(d.AdditionalInfo),
	}
}

// Validate checks required fields and the phone pattern.
func (d AddressDraft) Validate() error {
	return validateStruct(d)
}

// Shipping converts a draft into the submission shipping fields.
func (d AddressDraft) Shipping() *ShippingDetails {
	n := d.Normalized()
	return &ShippingDetails{
		RecipientName:  n.RecipientName,
		Phone:          n.Phone,
		StreetAddress:  n.StreetAddress,
		PostalCode:     n.PostalCode,
		NeighborhoodID: n.NeighborhoodID,
		AdditionalInfo: n.AdditionalInfo,
	}
}

type guestInput struct {
	CustomerName  string `json:"customerName" validate:"notblank,max=120"`
	CustomerEmail string `json:"customerEmail" validate:"notblank,email,max=254"`
}

// ValidateGuest checks a guest's name and email.
func ValidateGuest(info GuestCustomerInfo) error {
	return validateStruct(guestInput{
		CustomerName:  strings.TrimSpace(info.CustomerName),
		CustomerEmail: strings.TrimSpace(info.CustomerEmail),
	})
}

// FieldErrors maps a field name to the failed rule ("required", "phone", "max", "email").
type FieldErrors map[string]string

// Error implements the error interface.
func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e[k]))
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}

// AsFieldErrors extracts field errors from err.
func AsFieldErrors(err error) (FieldErrors, bool) {
	var fe FieldErrors
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		tag := fe.Tag()
		if tag == "notblank" {
			tag = "required"
		}
		if _, exists := out[fe.Field()]; !exists {
			out[fe.Field()] = tag
		}
	}
	return out
}
