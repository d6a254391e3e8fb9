package license

// RequestKind tags the variant held by a Request.
type RequestKind int

const (
	// NoCheck asks for no specific feature or module.
	NoCheck RequestKind = iota
	// ModuleCheck gates a coarse-grained module, typically a whole page.
	ModuleCheck
	// FeatureCheck gates a single feature.
	FeatureCheck
)

func (k RequestKind) String() string {
	switch k {
	case ModuleCheck:
		return "module"
	case FeatureCheck:
		return "feature"
	default:
		return "none"
	}
}

// Request is what a caller wants authorized: exactly one of a module, a
// feature or nothing.
type Request struct {
	Kind RequestKind
	Key  string
}

// ModuleRequest asks whether module key is licensed.
func ModuleRequest(key string) Request {
	return Request{Kind: ModuleCheck, Key: key}
}

// FeatureRequest asks whether feature key is licensed.
func FeatureRequest(key string) Request {
	return Request{Kind: FeatureCheck, Key: key}
}

// NewRequest builds a request from optional module and feature keys. The
// module wins when both are given.
func NewRequest(module, feature string) Request {
	switch {
	case module != "":
		return ModuleRequest(module)
	case feature != "":
		return FeatureRequest(feature)
	default:
		return Request{Kind: NoCheck}
	}
}

// Verdict is the answer handed to the presentation layer.
type Verdict struct {
	Licensed bool   `json:"is_licensed"`
	Message  string `json:"message"`
}

const (
	MessageExempt        = "Access granted"
	MessageNoCheck       = "No check specified"
	MessageNotRestricted = "Not restricted by license"
	MessageLicenseValid  = "Covered by the active license"
)

// Authorize decides whether principal may use what req names, given
// snapshot. It has no side effects.
//
// Exempt principals and valid snapshots are always allowed. Keys the
// authority does not know about are allowed regardless of status.
func Authorize(snapshot Snapshot, principal Principal, policy ExemptionPolicy, req Request) Verdict {
	if policy.IsExempt(principal) {
		return Verdict{Licensed: true, Message: MessageExempt}
	}

	var (
		e  Entitlement
		ok bool
	)
	switch req.Kind {
	case ModuleCheck:
		e, ok = snapshot.Module(req.Key)
	case FeatureCheck:
		e, ok = snapshot.Feature(req.Key)
	default:
		return Verdict{Licensed: true, Message: MessageNoCheck}
	}

	switch {
	case !ok:
		return Verdict{Licensed: true, Message: MessageNotRestricted}
	case snapshot.Valid && e.Licensed:
		return Verdict{Licensed: true, Message: e.Message}
	case snapshot.Valid:
		return Verdict{Licensed: true, Message: MessageLicenseValid}
	default:
		return Verdict{Licensed: e.Licensed, Message: e.Message}
	}
}
