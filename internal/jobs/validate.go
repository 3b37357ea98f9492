package jobs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"posreports/internal/model"
)

// ErrValidation marks configuration errors detected before a job runs.
var ErrValidation = errors.New("validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks accounts and reports before a job is created.
func Validate(accounts []model.Account, reports []model.Report) error {
	if len(accounts) == 0 {
		return fmt.Errorf("%w: no account data provided", ErrValidation)
	}
	if len(reports) == 0 {
		return fmt.Errorf("%w: no reports data provided", ErrValidation)
	}

	var problems []string
	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		problems = append(problems, fieldErrors(fmt.Sprintf("accounts[%d]", i), validate.Struct(a))...)
		if a.ID != "" && seen[a.ID] {
			problems = append(problems, fmt.Sprintf("accounts[%d].account_id: duplicate %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	problems = append(problems, reportErrors(reports)...)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateReports checks a report list on its own, as done when the
// active list is replaced.
func ValidateReports(reports []model.Report) error {
	if problems := reportErrors(reports); len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func reportErrors(reports []model.Report) []string {
	var problems []string
	for i, r := range reports {
		problems = append(problems, fieldErrors(fmt.Sprintf("reports[%d]", i), validate.Struct(r))...)
	}
	return problems
}

func fieldErrors(prefix string, err error) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{prefix + ": " + err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s.%s: %s", prefix, fe.Field(), fe.Tag()))
	}
	return out
}
