// Package exitcodes contains the constants representing possible devtools exit error codes.
package exitcodes

// ExitCode is just a type representing a process exit code for devtools
type ExitCode uint8

// list of exit codes used by devtools
const (
	InvalidArgument  ExitCode = 100
	DiscoveryFailed  ExitCode = 101
	ConnectionFailed ExitCode = 102
	ProtocolError    ExitCode = 103
	InvalidConfig    ExitCode = 104
	ExternalAbort    ExitCode = 105
)
