package shard

// Note: RegisterFD, UnregisterFD, ModifyFD and the poller's PollIO step
// are implemented in poller_linux.go.
