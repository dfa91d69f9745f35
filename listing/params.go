package listing

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"agentmarket/apperr"
)

var (
	ErrNotFound       = apperr.New(apperr.NotFound, "listing: not found")
	ErrForbidden      = apperr.New(apperr.Forbidden, "listing: not owned by agent")
	ErrActiveConflict = apperr.New(apperr.Conflict, "listing: concurrent listing for the same side and category")
	ErrRateIncomplete = apperr.New(apperr.Validation, "listing: rate_min and rate_max must be given together")
	ErrRateInvalid    = apperr.New(apperr.Validation, "listing: rate range must satisfy 0 <= rate_min <= rate_max")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateParams struct {
	AgentID     string `validate:"required"`
	Side        Side   `validate:"required,oneof=offering seeking"`
	Category    string `validate:"required,max=64"`
	Params      Params `validate:"-"`
	Description string `validate:"max=4000"`
}

type paramsRules struct {
	Skills   []string   `validate:"max=50,dive,required,max=64"`
	Currency string     `validate:"omitempty,len=3,alpha"`
	Remote   RemoteMode `validate:"omitempty,oneof=remote onsite hybrid"`
}

// Normalize returns p in canonical form: skills trimmed, lowercased,
// de-duplicated and sorted; currency uppercased; rate bounds checked.
func Normalize(p Params) (Params, error) {
	out := Params{
		Skills:   normalizeSkills(p.Skills),
		Currency: strings.ToUpper(strings.TrimSpace(p.Currency)),
		Remote:   RemoteMode(strings.ToLower(strings.TrimSpace(string(p.Remote)))),
	}
	if p.Rate != nil {
		if p.Rate.Min.IsNegative() || p.Rate.Min.GreaterThan(p.Rate.Max) {
			return Params{}, apperr.Wrapf(ErrRateInvalid, "got %s..%s", p.Rate.Min, p.Rate.Max)
		}
		r := *p.Rate
		out.Rate = &r
	}
	if err := validate.Struct(paramsRules{Skills: out.Skills, Currency: out.Currency, Remote: out.Remote}); err != nil {
		return Params{}, apperr.FromValidator("listing: params", err)
	}
	return out, nil
}

func normalizeCreate(p CreateParams) (CreateParams, error) {
	p.AgentID = strings.TrimSpace(p.AgentID)
	p.Side = Side(strings.ToLower(strings.TrimSpace(string(p.Side))))
	p.Category = strings.ToLower(strings.TrimSpace(p.Category))
	p.Description = strings.TrimSpace(p.Description)
	if err := validate.Struct(p); err != nil {
		return CreateParams{}, apperr.FromValidator("listing", err)
	}
	params, err := Normalize(p.Params)
	if err != nil {
		return CreateParams{}, err
	}
	p.Params = params
	return p, nil
}

func normalizeSkills(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
