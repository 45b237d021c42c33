package policy

// BuiltinPolicies returns the guard policies compiled into the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		openAcceptPolicy(),
		objectNamingPolicy(),
		wideDeletePolicy(),
	}
}

// destructiveCommandsPolicy blocks CLI commands that take an appliance offline
// or wipe its state.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks CLI commands that reboot, shut down or reset appliances",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package fortifleet.guard.commands

import rego.v1

blocked := [
	"execute factoryreset",
	"execute factoryreset2",
	"execute reboot",
	"execute shutdown",
	"execute formatlogdisk",
	"execute erase-disk",
]

deny contains violation if {
	input.operation.kind == "command"
	cmd := lower(trim_space(input.operation.command))
	some prefix in blocked
	startswith(cmd, prefix)
	violation := {
		"message": sprintf("command '%s' is not allowed on managed appliances", [input.operation.command]),
		"resource": "command",
	}
}
`,
	}
}

// openAcceptPolicy blocks accept policies matching any source, destination and
// service.
func openAcceptPolicy() Policy {
	return Policy{
		Name:        "open-accept",
		Description: "Blocks accept policies from all to all on all services",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package fortifleet.guard.policies

import rego.v1

writes := {"create", "update"}

is_any(list) if {
	some v in list
	lower(v) == "all"
}

deny contains violation if {
	input.operation.resource == "policy"
	writes[input.operation.kind]
	p := input.operation.policy
	p.action == "accept"
	is_any(p.srcaddr)
	is_any(p.dstaddr)
	is_any(p.service)
	violation := {
		"message": sprintf("policy %s would accept all traffic from all to all", [p.name]),
		"resource": p.name,
	}
}
`,
	}
}

// objectNamingPolicy warns about object names with surrounding whitespace.
func objectNamingPolicy() Policy {
	return Policy{
		Name:        "object-naming",
		Description: "Warns about object names with leading or trailing whitespace",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package fortifleet.guard.naming

import rego.v1

payloads := ["address", "group", "policy", "service"]

deny contains violation if {
	some field in payloads
	name := input.operation[field].name
	trim_space(name) != name
	violation := {
		"message": sprintf("object name '%s' has leading or trailing whitespace", [name]),
		"resource": name,
	}
}
`,
	}
}

// wideDeletePolicy warns when a delete spans a large part of the fleet.
func wideDeletePolicy() Policy {
	return Policy{
		Name:        "wide-delete",
		Description: "Warns when a delete targets more than ten appliances",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package fortifleet.guard.delete

import rego.v1

deny contains violation if {
	input.operation.kind == "delete"
	count(input.targets) > 10
	violation := {
		"message": sprintf("delete of %s %s spans %d targets", [input.operation.resource, input.operation.name, count(input.targets)]),
		"resource": input.operation.name,
	}
}
`,
	}
}
