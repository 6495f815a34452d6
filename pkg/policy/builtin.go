package policy

// BuiltinPolicies returns the guardrails evaluated before every deployment.
func BuiltinPolicies() []Policy {
	return []Policy{
		prodSymlinkPolicy(),
		backupInsideTargetPolicy(),
		destructiveCommandPolicy(),
		privilegedPortPolicy(),
		prodBackupPolicy(),
	}
}

// prodSymlinkPolicy forbids link delivery to production: edits in the
// source tree would go live immediately.
func prodSymlinkPolicy() Policy {
	return Policy{
		Name:        "prod-symlink",
		Description: "Symlink delivery is not allowed in prod",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package homedeploy.builtin.prod_symlink

import rego.v1

deny contains msg if {
	input.env == "prod"
	input.record.use_symlinks
	msg := sprintf("%s: use_symlinks is not allowed in prod", [input.app])
}`,
	}
}

// backupInsideTargetPolicy rejects snapshot roots inside the deployment
// directory, which the sync stage would delete.
func backupInsideTargetPolicy() Policy {
	return Policy{
		Name:        "backup-inside-target",
		Description: "The backup path must not lie inside the deployment directory",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package homedeploy.builtin.backup_location

import rego.v1

inside if input.backup_root == input.target_dir

inside if startswith(input.backup_root, concat("", [input.target_dir, "/"]))

deny contains msg if {
	input.backup_root != ""
	inside
	msg := sprintf("backup path %s is inside the deployment directory %s", [input.backup_root, input.target_dir])
}`,
	}
}

// destructiveCommandPolicy rejects hook commands that remove the root
// filesystem.
func destructiveCommandPolicy() Policy {
	return Policy{
		Name:        "destructive-command",
		Description: "Hook commands must not remove the root filesystem",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package homedeploy.builtin.destructive_command

import rego.v1

commands contains cmd if some cmd in input.record.pre_deploy_commands

commands contains cmd if some cmd in input.record.post_deploy_commands

deny contains msg if {
	some cmd in commands
	regex.match("(^|[\\s;&|])rm\\s+(-\\S+\\s+)*/\\*?(\\s|[;&|]|$)", cmd)
	msg := sprintf("command %q removes the root filesystem", [cmd])
}`,
	}
}

// privilegedPortPolicy warns about ports below 1024 outside prod.
func privilegedPortPolicy() Policy {
	return Policy{
		Name:        "privileged-port",
		Description: "Privileged ports are expected only in prod",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package homedeploy.builtin.privileged_port

import rego.v1

deny contains msg if {
	input.env != "prod"
	port := input.record.port
	port > 0
	port < 1024
	msg := sprintf("%s/%s listens on privileged port %d", [input.app, input.env, port])
}`,
	}
}

// prodBackupPolicy warns when prod deploys without a backup.
func prodBackupPolicy() Policy {
	return Policy{
		Name:        "prod-backup",
		Description: "Production deployments should keep a backup",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package homedeploy.builtin.prod_backup

import rego.v1

deny contains msg if {
	input.env == "prod"
	input.backup_root == ""
	msg := sprintf("%s: prod deployment has no backup_path", [input.app])
}`,
	}
}
