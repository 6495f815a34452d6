// Package stages implements the deployment pipeline stages: shell hook
// commands, backups, file synchronization (local and sftp:// sources),
// virtual environment provisioning, detached process launch and service
// restarts.
//
// Subprocesses go through a Runner so tests can substitute a fake.
// Stage failures are returned as *engine.DeployError values.
package stages
