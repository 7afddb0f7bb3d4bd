package envelope

import (
	"errors"
	"fmt"
)

// Validation failures fall into two audit categories: contract violations
// (malformed envelope) and scope data problems (missing isolation or
// security fields). The engine maps them to distinct violation codes.
var (
	ErrContract = errors.New("contract violation")
	ErrSecurity = errors.New("security context invalid")
)

var validPrincipalTypes = map[string]bool{
	PrincipalUser:    true,
	PrincipalService: true,
	PrincipalAgent:   true,
	PrincipalSystem:  true,
}

var validPrefixes = map[string]bool{
	PrefixCommand:  true,
	PrefixEvent:    true,
	PrefixQuery:    true,
	PrefixResponse: true,
}

// Validate checks the structural contract of an inbound envelope. It does
// not check scope membership; that is the engine's ingress decision.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrContract)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrContract)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrContract)
	}
	if !validPrefixes[typePrefix(e.Type)] {
		return fmt.Errorf("%w: unknown type namespace %q", ErrContract, e.Type)
	}
	if e.SchemaVersion != "" && e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %q", ErrContract, e.SchemaVersion)
	}
	if e.Tenant == "" || e.Workspace == "" {
		return fmt.Errorf("%w: tenant and workspace are required", ErrSecurity)
	}
	if e.Security.PrincipalID == "" {
		return fmt.Errorf("%w: security_context.principal_id is required", ErrSecurity)
	}
	if !validPrincipalTypes[e.Security.PrincipalType] {
		return fmt.Errorf("%w: security_context.principal_type %q", ErrSecurity, e.Security.PrincipalType)
	}
	return nil
}

func typePrefix(typeTag string) string {
	for i := 0; i < len(typeTag); i++ {
		if typeTag[i] == '.' {
			return typeTag[:i]
		}
	}
	return typeTag
}
