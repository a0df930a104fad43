package witness

import "fmt"

// Violation names a request gating rule
type Violation string

const (
	ViolationMaxActiveWitnesses Violation = "max-active-witnesses"
	ViolationUnjustifiedMinimal Violation = "unjustified-minimal-threshold"
	ViolationBannedOrganization Violation = "banned-organization"
)

// ViolationError rejects a request before any mutation happens
type ViolationError struct {
	Violation Violation
	Detail    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("witness policy violation %s: %s", e.Violation, e.Detail)
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrPolicyViolation
}

// gateAdd checks a registration request against the service limits and the
// caller's policy
func (s *Service) gateAdd(w Witness, p Policy, witnesses []Witness) error {
	if p.MinSignatures == 1 && p.Justification == "" {
		return &ViolationError{
			Violation: ViolationUnjustifiedMinimal,
			Detail:    "a threshold of one signature requires a justification",
		}
	}
	if _, banned := toSet(p.BannedOrgs)[w.Organization]; banned {
		return &ViolationError{
			Violation: ViolationBannedOrganization,
			Detail:    fmt.Sprintf("organization %s is banned by policy", w.Organization),
		}
	}
	if s.maxActive > 0 {
		if active := countActive(witnesses) + 1; active > s.maxActive {
			return &ViolationError{
				Violation: ViolationMaxActiveWitnesses,
				Detail:    fmt.Sprintf("%d active witnesses would exceed the limit of %d", active, s.maxActive),
			}
		}
	}
	return nil
}

// gateIngest refuses signatures while the namespace holds more active
// witnesses than allowed, e.g. after the limit was lowered
func (s *Service) gateIngest(witnesses []Witness) error {
	if s.maxActive <= 0 {
		return nil
	}
	if active := countActive(witnesses); active > s.maxActive {
		return &ViolationError{
			Violation: ViolationMaxActiveWitnesses,
			Detail:    fmt.Sprintf("%d active witnesses exceed the limit of %d", active, s.maxActive),
		}
	}
	return nil
}

func countActive(witnesses []Witness) int {
	n := 0
	for _, w := range witnesses {
		if w.Status == StatusActive {
			n++
		}
	}
	return n
}
