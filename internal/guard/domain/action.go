package domain

import "fmt"

// ActionKind is the terminal decision of one Resolve call.
type ActionKind uint8

const (
	// ActionOpenDirectly opens the URL through a handler other than ourselves.
	ActionOpenDirectly ActionKind = iota + 1
	// ActionClassified carries a classifier verdict (safe, phishing or error).
	ActionClassified
	// ActionForceOpen breaks a redirect loop through the fallback viewer.
	ActionForceOpen
	// ActionSuppressed drops a passive-path URL already checked within the recent window.
	ActionSuppressed
)

// String returns a stable string representation of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionOpenDirectly:
		return "open_directly"
	case ActionClassified:
		return "classified"
	case ActionForceOpen:
		return "force_open"
	case ActionSuppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("ActionKind(%d)", k)
	}
}

// Verdict is the classifier result carried by an ActionClassified.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictSafe
	VerdictPhishing
	VerdictError
)

// String returns a stable string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictPhishing:
		return "phishing"
	case VerdictError:
		return "error"
	default:
		return "none"
	}
}

// ParseVerdict converts a string into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "safe":
		return VerdictSafe, nil
	case "phishing":
		return VerdictPhishing, nil
	case "error":
		return VerdictError, nil
	default:
		return VerdictNone, fmt.Errorf("unsupported verdict: %q", s)
	}
}

// Reasons attached to actions, stable for logs and the API.
const (
	ReasonLoopDetected       = "loop_detected"
	ReasonProtectionDisabled = "protection_disabled"
	ReasonApproved           = "approved"
	ReasonClassified         = "classified"
	ReasonRecentlyChecked    = "recently_checked"
	ReasonUserOverride       = "user_override"
)

// Classification is the classifier's answer for one URL.
type Classification struct {
	IsPhishing bool
	Confidence float64
	Message    string
}

// Action is the result of resolving one URL.
type Action struct {
	Kind       ActionKind
	URL        string
	Verdict    Verdict
	Confidence float64
	ErrKind    ErrorKind
	Err        error
	Attempt    int
	Reason     string
}

// OpensWithoutPrompt reports whether the action may be launched without asking the user.
func (a Action) OpensWithoutPrompt() bool {
	switch a.Kind {
	case ActionOpenDirectly, ActionForceOpen:
		return true
	case ActionClassified:
		return a.Verdict == VerdictSafe
	default:
		return false
	}
}

// NeedsDecision reports whether the caller must ask the user before opening.
func (a Action) NeedsDecision() bool {
	return a.Kind == ActionClassified && (a.Verdict == VerdictPhishing || a.Verdict == VerdictError)
}
