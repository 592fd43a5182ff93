// Package audit records security-relevant SSH activity.
//
// An Auditor writes each event both to the audit_logs table (see
// internal/database) and to the standard logger with the [ssh-audit]
// prefix. Event types:
//
//   - connection_established, connection_failed, connection_terminated
//   - command_execution: command, exit code and duration
//   - file_operation: list, read, write, edit and sync with the remote path
//
// A Recorder binds an Auditor to one session key and satisfies
// sshmux.Auditor, so every Multiplexer created by the session store reports
// under its own session.
//
// Old entries are removed by PurgeOlderThan, which StartPurgeSchedule runs on
// a cron schedule (robfig/cron syntax, "@daily" by default).
package audit
