/*
Package executor is the client for the isolated build executor.

A Sandbox is a remote isolated environment keyed by build id in which
clone, detection and build commands run. Command execution streams
server-sent events (log lines, a terminal error, or a completion with
exit code); file transfer is a simple read/write API with a per-call
response size limit.

ReadDirAsTar works around that limit for whole-directory transfers:
the directory is packed into a tar inside the sandbox, then streamed
back either in one read (when it fits) or through a chunked base64 dd
loop. ExtractTar unpacks the archive into DeploymentFile records with
extension-guessed MIME types.

The executor's shell, git and tar semantics are external collaborators;
this package only shapes requests and parses streams.
*/
package executor
