// Package policy runs pre-flight guardrails on deployment requests with
// Open Policy Agent.
//
// Every policy is a Rego module whose deny set lists violations. An entry
// is either a message string or an object:
//
//	deny contains {"msg": "record needs a description", "severity": "warning"} if {
//		not input.record.description
//	}
//
// Policies see an Input document:
//
//	{
//	  "app": "webapp",
//	  "env": "prod",
//	  "source": "/home/op/src/webapp",
//	  "target_dir": "/home/op/.homedeploy/deployments/webapp/prod",
//	  "backup_root": "/srv/backups",
//	  "record": {"needs_venv": true, "port": 80, ...}
//	}
//
// Error-severity violations make Engine.Check return a policy_violation
// error; warnings are only logged. Built-in policies cover symlink delivery
// to prod, backups inside the deployment directory, hook commands removing
// the root filesystem, privileged ports outside prod and prod deployments
// without backups. Operator policies are loaded from .rego and .json files
// and can be watched for changes.
package policy
