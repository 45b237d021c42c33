// Package policy guards fan-out operations with Open Policy Agent Rego rules.
//
// Every policy is a Rego module defining a deny set. Before an operation is
// dispatched, each enabled policy is evaluated against an Input document:
//
//	{
//	  "operation": {"kind": "create", "resource": "policy", "policy": {...}},
//	  "targets":   [{"id": "...", "name": "fw-a", "host": "...", "vdom": "root", "enabled": true}],
//	  "user":      "alice",
//	  "timestamp": "..."
//	}
//
// A deny element is either a string or an object with message, severity and
// resource keys. Violations with error or critical severity deny the operation
// (Engine.Check returns a POLICY_DENIED engine error); info and warning
// violations are logged only.
//
// Custom policies are loaded from .rego files (named after the file) or .json
// files holding a serialized Policy:
//
//	package fortifleet.guard.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		input.operation.kind == "delete"
//		input.operation.resource == "addressGroup"
//		startswith(input.operation.name, "core-")
//		msg := "core groups cannot be deleted"
//	}
//
// Loader.Watch reloads the files when they change.
package policy
