package exitcodes

// Exit codes for rmtree.
// These codes form the operational contract with scripts, CI/CD and operators.
const (
	Success         = 0 // Everything requested is gone
	PartialFailure  = 1 // Some entries could not be removed
	InvalidConfig   = 2 // Configuration or usage invalid
	SafetyViolation = 3 // Safety validator refused a target
	RuntimeError    = 4 // Runtime error during execution
)
