/*
Package agent is the HTTP client for the guest agent running inside
analysis machines: reachability probing (WaitReachable polls /ping until
the machine's agent answers or the budget runs out), payload staging and
command execution. The agent implementation itself lives in the guest
image; this package only speaks its protocol.
*/
package agent
