package bus

import (
	"strings"

	"github.com/meshforge/runtime/internal/envelope"
)

// EventSubject maps an event envelope onto the scoped subject hierarchy:
//
//	evt.<tenant>.<workspace>.<rest-of-type>
//
// The evt. prefix of the type tag is stripped before embedding so
// "evt.order.created" in tenant acme / workspace main lands on
// "evt.acme.main.order.created".
func EventSubject(env *envelope.Envelope) string {
	suffix := strings.TrimPrefix(env.Type, envelope.PrefixEvent+".")
	return envelope.PrefixEvent + "." + env.Tenant + "." + env.Workspace + "." + suffix
}

// CommandSubject maps a command envelope onto the work-queue hierarchy:
//
//	cmd.<tenant>.<workspace>.<target-agent>.<command-name>
//
// The target agent is the second segment of the type tag
// ("cmd.orders.create" targets agent "orders" with command "create").
// Malformed type tags route to the "unknown" agent rather than being
// dropped, so they surface in monitoring.
func CommandSubject(env *envelope.Envelope) string {
	parts := strings.Split(env.Type, ".")

	var target, name string
	if len(parts) < 3 {
		target = "unknown"
		if len(parts) > 1 {
			name = strings.Join(parts[1:], ".")
		} else {
			name = parts[0]
		}
	} else {
		target = parts[1]
		name = strings.Join(parts[2:], ".")
	}

	return envelope.PrefixCommand + "." + env.Tenant + "." + env.Workspace + "." + target + "." + name
}

// DLQSubject names the dead-letter subject for a message that exhausted its
// delivery budget on the given subject.
func DLQSubject(subject string) string {
	return "failed." + subject
}
