// Package sshmux multiplexes named SSH connections ("aliases") for a single
// caller.
//
// A Multiplexer owns at most one live *ssh.Client per alias together with the
// credentials needed to rebuild it, so a connection dropped by the network or
// by a failed keepalive is transparently re-established the next time the
// alias is used. Aliases may tunnel through another alias (a jump host) via
// direct-tcpip channels on the jump host's live client.
//
// Every operation against an alias holds that alias's lock, which keeps the
// tracked remote working directory consistent with the commands that ran.
// Operations spanning two aliases (Sync) take both locks in sorted order.
//
// Commands are wrapped so the shell prints a per-multiplexer sentinel line
// followed by `pwd` after the user's command; the sentinel and the directory
// are stripped from stdout and the directory becomes the alias's tracked cwd.
// This is a text protocol with the remote shell: output that reproduces the
// sentinel exactly would confuse it, which the random delimiter makes
// practically impossible but not strictly so.
//
// File operations (List, Read, Write, Edit, Sync) run over SFTP sub-channels
// and are confined to a root directory. Paths are resolved against the
// alias's tracked cwd and rejected before any network I/O when they escape
// the root.
package sshmux
