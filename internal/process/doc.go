// Package process runs the protocol agent as a supervised child process.
//
// When the agent is managed, the gateway starts it alongside the workers
// and restarts it with exponential backoff whenever it exits. The agent
// runs in its own process group so Stop reaches anything it spawned;
// SIGTERM comes first and SIGKILL follows after the graceful timeout.
// Output is logged line by line at debug level.
//
//	mgr, err := process.New(process.FromConfig("tuya-agent", cfg.Protocol.Agent))
//	if err != nil { ... }
//	if err := mgr.Start(ctx); err != nil { ... }
//	defer mgr.Stop()
//
// Workers do not wait for the agent: their sessions reconnect on their
// own once it is listening.
package process
