// Package factory selects a hypervisor backend for the host platform.
// Linux hosts get the KVM backend; everything else reports
// hv.ErrHypervisorUnsupported.
package factory
