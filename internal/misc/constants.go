package misc

const (
	// DocumentVersion is the schema tag written into every vault document
	DocumentVersion = 1

	// PBKDF2 parameters for PIN derivation
	KDFIterations = 100000
	KeyLen        = 32
	SaltSize      = 16

	// VerifierSuffix separates the verifier derivation path from the key path
	VerifierSuffix = "_verify"

	DefaultMaxFailedAttempts = 10

	MinPINLength = 4
	MaxPINLength = 8

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

// MaxFailedAttemptsOptions lists the thresholds a user may pick
var MaxFailedAttemptsOptions = []int{5, 10, 15, 20}
