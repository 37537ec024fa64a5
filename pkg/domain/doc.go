// Package domain defines the core types shared by the action policy registry.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It holds:
//
// - ApplyPoint, the closed set of points in the action pipeline a policy binds to
// - Sentinel errors and RegistrationError, the diagnostic surface of registration
//
// Other packages (policy, config, telemetry) depend on these types. The dependency
// direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
