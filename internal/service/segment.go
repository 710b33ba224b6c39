package service

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// Skip reasons reported by BuildSegment
const (
	SkipInvalidEmail = "invalid email format"
	SkipDuplicate    = "duplicate email"
	SkipNotActive    = "not an active subscriber"
)

var emailValidator = validator.New()

// SegmentValidation is the outcome of resolving a campaign's recipient population
type SegmentValidation struct {
	Valid       []models.Subscriber `json:"valid"`
	Invalid     []string            `json:"invalid"`
	SkipReasons map[string]string   `json:"skipReasons"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateCustomEmails checks an explicit recipient list against the active directory.
// It has no side effects; the same input always yields the same result.
func ValidateCustomEmails(emails []string, active []models.Subscriber) SegmentValidation {
	byEmail := make(map[string]models.Subscriber, len(active))
	for _, s := range active {
		byEmail[normalizeEmail(s.Email)] = s
	}

	out := SegmentValidation{
		Valid:       []models.Subscriber{},
		Invalid:     []string{},
		SkipReasons: map[string]string{},
	}
	seen := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		email := normalizeEmail(raw)
		if err := emailValidator.Var(email, "required,email"); err != nil {
			out.Invalid = append(out.Invalid, raw)
			out.SkipReasons[raw] = SkipInvalidEmail
			continue
		}
		if _, dup := seen[email]; dup {
			out.SkipReasons[raw] = SkipDuplicate
			continue
		}
		seen[email] = struct{}{}

		sub, ok := byEmail[email]
		if !ok {
			out.Invalid = append(out.Invalid, raw)
			out.SkipReasons[raw] = SkipNotActive
			continue
		}
		sub.Email = email
		out.Valid = append(out.Valid, sub)
	}
	return out
}

// BuildSegment resolves a segment over the active directory. reached holds every email
// delivered to in any campaign. customEmails is used only by the custom segment.
func BuildSegment(segment types.Segment, active []models.Subscriber, reached []string, customEmails []string) SegmentValidation {
	if segment == types.SegmentCustom {
		return ValidateCustomEmails(customEmails, active)
	}

	reachedSet := make(map[string]struct{}, len(reached))
	for _, e := range reached {
		reachedSet[normalizeEmail(e)] = struct{}{}
	}

	out := SegmentValidation{
		Valid:       []models.Subscriber{},
		Invalid:     []string{},
		SkipReasons: map[string]string{},
	}
	seen := make(map[string]struct{}, len(active))
	for _, sub := range active {
		email := normalizeEmail(sub.Email)
		if _, dup := seen[email]; dup || email == "" {
			continue
		}
		seen[email] = struct{}{}

		_, wasReached := reachedSet[email]
		switch segment {
		case types.SegmentUnreached:
			if wasReached {
				continue
			}
		case types.SegmentReached:
			if !wasReached {
				continue
			}
		}
		sub.Email = email
		out.Valid = append(out.Valid, sub)
	}
	return out
}
