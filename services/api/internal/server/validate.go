package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"mirage/pkg/personality"
)

const maxJSONBody = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("agent_type", func(fl validator.FieldLevel) bool {
			return personality.Valid(fl.Field().String())
		})
	})
	return validate
}

type profileUpdateRequest struct {
	FullName           *string `json:"full_name" validate:"omitempty,max=255"`
	AvatarURL          *string `json:"avatar_url" validate:"omitempty,url,max=2048"`
	PreferredAgentType *string `json:"preferred_agent_type" validate:"omitempty,agent_type"`
}

type preferencesUpdateRequest struct {
	PreferredAgentType *string        `json:"preferred_agent_type" validate:"omitempty,agent_type"`
	Preferences        map[string]any `json:"preferences"`
}

type sessionCreateRequest struct {
	AgentType string `json:"agent_type" validate:"omitempty,agent_type"`
	Title     string `json:"title" validate:"max=255"`
}

type sessionUpdateRequest struct {
	Title     *string `json:"title" validate:"omitempty,min=1,max=255"`
	AgentType *string `json:"agent_type" validate:"omitempty,agent_type"`
}

type roomTokenRequest struct {
	SessionID string `json:"session_id" validate:"omitempty,max=64"`
	AgentType string `json:"agent_type" validate:"omitempty,agent_type"`
}

var errInvalidBody = errors.New("Invalid request body")

// decodeRequest reads an optional JSON body into dst and validates it. An
// empty body leaves dst at its zero value.
func decodeRequest(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return validateRequest(dst)
}

func validateRequest(dst any) error {
	err := requestValidator().Struct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errInvalidBody
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, translateFieldError(fe))
	}
	return errors.New(strings.Join(messages, "; "))
}

func translateFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "agent_type":
		return "Invalid agent type. Available: " + strings.Join(personality.IDs(), ", ")
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
