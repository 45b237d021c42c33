// Package config loads the FortiFleet application configuration.
//
// Configuration is read from a YAML file (fortifleet.yaml by default) on top of
// Default, then FORTIFLEET_DB and FORTIFLEET_LOG_LEVEL are applied, and the
// result is validated. A minimal file:
//
//	data_dir: /var/lib/fortifleet
//	engine:
//	  max_parallel: 16
//	device:
//	  light_timeout: 10s
//	  heavy_timeout: 30s
//	  insecure_tls: true
//	naming:
//	  script: /etc/fortifleet/naming.star
//	policy:
//	  enabled: true
//	  paths: [/etc/fortifleet/policies]
//	inventory:
//	  path: /etc/fortifleet/inventory.yaml
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// Relative database and key paths are resolved against data_dir.
package config
