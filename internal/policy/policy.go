// Package policy holds the runtime-wide configuration knobs the syscall
// broker consults: ACL bypass, the validator policy tag handed to the
// (external) code validator, exception-handling enablement, and the
// high-resolution-timer flag (§3, §4.4, §6). Values are ordinarily loaded
// from a YAML file via github.com/alecthomas/kong-yaml, the way the
// teacher's CLI resolves its own JSON config (cmd/sand/main.go uses
// kong.Configuration(kong.JSON, ...)) — we use the YAML resolver the
// teacher's go.mod already names.
package policy

// Policy is the process-wide set of runtime knobs. A cage's
// enable_exception_handling flag (§3) is per-cage and lives on the Cage
// struct itself; Policy carries the defaults new cages are created with.
type Policy struct {
	// BypassACL gates every filesystem operation in the broker (§4.4): all
	// operations require this to be true, otherwise EACCES.
	BypassACL bool `yaml:"bypass_acl"`
	// ValidatorPolicy is opaque metadata handed to the external validator
	// collaborator (§6) when validating a dynamic-text mmap.
	ValidatorPolicy string `yaml:"validator_policy"`
	// EnableExceptionHandling is the default new cages are created with;
	// exception_handler/_stack/_clear_flag all require it set (§4.4).
	EnableExceptionHandling bool `yaml:"enable_exception_handling"`
	// HighResTimer, when false, coarsens clock results to CoarseTimerUS
	// (§4.4 nanosleep/clock_gettime/...).
	HighResTimer bool `yaml:"high_res_timer"`
	// MaxChildren bounds a cage's children array (§3: "bounded-size
	// children array").
	MaxChildren int `yaml:"max_children"`
}

// Default returns the conservative defaults: ACL bypass off, exception
// handling off, coarse timer, a modest children bound.
func Default() Policy {
	return Policy{
		BypassACL:               false,
		ValidatorPolicy:         "",
		EnableExceptionHandling: false,
		HighResTimer:            false,
		MaxChildren:             64,
	}
}
