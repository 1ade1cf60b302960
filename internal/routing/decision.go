package routing

import "errors"

// Kind tags the variant carried by a Decision.
type Kind int

const (
	PassThrough Kind = iota
	Rewrite
	Redirect
	PassThroughWithHeaders
)

func (k Kind) String() string {
	switch k {
	case PassThrough:
		return "pass_through"
	case Rewrite:
		return "rewrite"
	case Redirect:
		return "redirect"
	case PassThroughWithHeaders:
		return "pass_through_with_headers"
	default:
		return "unknown"
	}
}

// Decision reasons, stable values for logs and metric labels.
const (
	ReasonPublic        = "public"
	ReasonTenantRewrite = "tenant_rewrite"
	ReasonNoSession     = "no_session"
	ReasonRoles         = "roles"
	ReasonDefault       = "default"
)

// Decision is the single output of an evaluation. Only the field matching
// Kind is set: Path for Rewrite, Location for Redirect, Headers for
// PassThroughWithHeaders. Applying it is the caller's job.
type Decision struct {
	Kind     Kind
	Reason   string
	Path     string
	Location string
	Headers  map[string]string
}

// Evaluation is a Decision together with the facts that produced it.
type Evaluation struct {
	Decision Decision
	Class    Class

	Tenant         string
	TenantResolved bool

	// Roles is nil unless RolesResolved
	Roles         RoleSet
	RolesResolved bool
	// RoleErr is the reason roles could not be determined, nil otherwise.
	// ErrNoSession when the cookie was missing, *DecodeError when the token
	// was unreadable.
	RoleErr error
}

// Decide evaluates req against cfg and returns what should happen to it.
func Decide(req Request, cfg Config) Decision {
	return Evaluate(req, cfg).Decision
}

// Evaluate runs classification, tenant resolution, and role extraction in
// order, stopping at the first decisive step.
func Evaluate(req Request, cfg Config) Evaluation {
	cfg = cfg.WithDefaults()
	ev := Evaluation{Class: Classify(req.Path, cfg)}

	if ev.Class == Public {
		ev.Decision = Decision{Kind: PassThrough, Reason: ReasonPublic}
		return ev
	}

	if cfg.MultitenantEnabled {
		ev.Tenant, ev.TenantResolved = ResolveTenant(req.Host)
		if ev.TenantResolved {
			// terminal: rbac does not run on a rewritten request in this pass
			path := cfg.TenantRewritePrefix + "/" + ev.Tenant + req.Path
			ev.Decision = Decision{Kind: Rewrite, Reason: ReasonTenantRewrite, Path: path}
			return ev
		}
	}

	if cfg.RBACEnabled {
		roles, err := extractRoles(req.Cookies, cfg)
		if err != nil {
			ev.RoleErr = err
			ev.Decision = Decision{Kind: Redirect, Reason: ReasonNoSession, Location: cfg.LoginPath}
			return ev
		}
		ev.Roles, ev.RolesResolved = roles, true

		// a resolved tenant has already returned a rewrite, so only the
		// roles header can be set here
		headers := map[string]string{cfg.RolesHeader: roles.Header()}
		ev.Decision = Decision{Kind: PassThroughWithHeaders, Reason: ReasonRoles, Headers: headers}
		return ev
	}

	ev.Decision = Decision{Kind: PassThrough, Reason: ReasonDefault}
	return ev
}

// DecodeFailure returns the decode reason when roles were unreadable because
// of a malformed token, or "" otherwise (including a missing cookie).
func (ev Evaluation) DecodeFailure() string {
	var de *DecodeError
	if errors.As(ev.RoleErr, &de) {
		return de.Reason
	}
	return ""
}
