// Package config holds the deployment configuration model and its storage.
//
// Per-application records live in one JSON document per application under
// the configuration directory, keyed by environment name:
//
//	{
//	  "dev":  {"needs_venv": true, "startup_script": "start.sh", "port": 8000},
//	  "prod": {"needs_venv": true, "startup_script": "start.sh", "port": 80,
//	           "backup_path": "~/backups", "restart_service": "webapp"}
//	}
//
// Documents are checked in two passes when they are loaded. First the raw
// JSON is unified with a closed CUE definition, so unknown keys and wrong
// types are rejected with a path to the offending field. The decoded structs
// then go through go-playground/validator for the rules CUE does not carry
// (unit names, non-empty commands).
//
// Self-contained deployments, which name their own source and target, are
// read by a Parser. YAMLParser handles YAML and JSON documents, CUEParser
// CUE files, and StarlarkParser evaluates a script and takes its top-level
// `deployment` value:
//
//	env = input("env", "dev")
//	deployment = struct(
//	    name = "webapp",
//	    source_path = "~/src/webapp",
//	    target_path = "/srv/webapp/" + env,
//	    needs_venv = True,
//	    startup_script = "start.sh",
//	)
package config
