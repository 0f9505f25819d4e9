// Package circuits drives circuit-level operations over the control
// session: identity rotation with exit-IP verification, circuit
// enumeration, active-path inspection, and targeted circuit teardown.
package circuits
