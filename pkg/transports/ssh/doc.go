// Package ssh runs provisioning against a remote host.
//
// Client satisfies runner.Runner by executing each argv in its own SSH
// session, with every word shell-quoted, and hostfs.FS by talking SFTP over
// the same connection. The provisioning components therefore work unchanged
// whether they target the local machine or a host given with --host.
package ssh
