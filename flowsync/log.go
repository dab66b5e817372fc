package flowsync

// Logging convention in the `flowsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - dial and token acquisition failures
//     - dropped malformed frames
//     - reconnect scheduling and exhaustion
// V(2):
//     key events for trace debugging
//     this includes:
//     - per-frame receive and classification
//     - interpolation tick convergence
// All logging goes through glog. Transport and parse errors are logged and
// never raised to callers; the reconnect state machine is the recovery path.
