// Package annotate attaches operator reasons to discrepancies and decides when a task can be
// signed off.
package annotate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"cyclecount/internal/domain"
)

var (
	ErrInvalid        = errors.New("invalid annotation")
	ErrNoReason       = errors.New("annotation needs a reason")
	ErrRemarksMissing = errors.New("reason OTHER requires remarks")
	ErrNoMatch        = errors.New("no editable discrepancy for sku")
)

// Annotation is the operator input for one SKU. Reason applies to both kinds unless the
// kind-specific reason is set.
type Annotation struct {
	Reason         domain.Reason `json:"reason,omitempty" validate:"omitempty,reason"`
	ShortageReason domain.Reason `json:"shortage_reason,omitempty" validate:"omitempty,reason"`
	OverageReason  domain.Reason `json:"overage_reason,omitempty" validate:"omitempty,reason"`
	Remarks        string        `json:"remarks,omitempty" validate:"max=500"`
	Evidence       []string      `json:"evidence,omitempty" validate:"max=9,dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("reason", func(fl validator.FieldLevel) bool {
		return domain.Reason(fl.Field().String()).Valid()
	})
	return v
}

func (a Annotation) reasonFor(kind domain.DiscrepancyKind) domain.Reason {
	if kind == domain.Shortage && a.ShortageReason != "" {
		return a.ShortageReason
	}
	if kind == domain.Overage && a.OverageReason != "" {
		return a.OverageReason
	}
	return a.Reason
}

// Validate checks field formats and the OTHER-needs-remarks rule.
func (a Annotation) Validate() error {
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalid, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if a.Reason == "" && a.ShortageReason == "" && a.OverageReason == "" {
		return ErrNoReason
	}
	other := a.Reason == domain.ReasonOther || a.ShortageReason == domain.ReasonOther || a.OverageReason == domain.ReasonOther
	if other && strings.TrimSpace(a.Remarks) == "" {
		return ErrRemarksMissing
	}
	return nil
}

// Apply returns a new discrepancy slice in which every editable entry of sku carries the
// annotation. Auto-resolved entries and other SKUs are copied unchanged. A kind without a
// reason keeps its previous one; remarks and evidence are shared by the whole SKU. At least one
// entry must receive a reason.
func Apply(discs []domain.Discrepancy, sku string, a Annotation) ([]domain.Discrepancy, error) {
	if err := a.Validate(); err != nil {
		return discs, err
	}
	out := domain.CloneDiscrepancies(discs)
	matched, reasoned := 0, 0
	for i := range out {
		d := &out[i]
		if d.SKU != sku || d.AutoResolved {
			continue
		}
		matched++
		if r := a.reasonFor(d.Kind); r != "" {
			d.Reason = r
			reasoned++
		}
		d.Remarks = a.Remarks
		d.Evidence = nil
		if len(a.Evidence) > 0 {
			d.Evidence = append([]string(nil), a.Evidence...)
		}
	}
	if matched == 0 {
		return discs, fmt.Errorf("%w: %s", ErrNoMatch, sku)
	}
	if reasoned == 0 {
		return discs, fmt.Errorf("%w: no reason given for the discrepancy kinds of %s", ErrNoReason, sku)
	}
	return out, nil
}

// Confirmed reports whether d needs no further operator input.
func Confirmed(d domain.Discrepancy) bool {
	return d.AutoResolved || d.Reason != ""
}

// Submittable holds for a clean count or when every discrepancy is confirmed.
func Submittable(discs []domain.Discrepancy) bool {
	for _, d := range discs {
		if !Confirmed(d) {
			return false
		}
	}
	return true
}

// Pending lists the SKUs that still have unconfirmed discrepancies, in first-seen order.
func Pending(discs []domain.Discrepancy) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range discs {
		if Confirmed(d) || seen[d.SKU] {
			continue
		}
		seen[d.SKU] = true
		out = append(out, d.SKU)
	}
	return out
}
