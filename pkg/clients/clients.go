package clients

import "context"

// PowerState is the observed power state of a machine endpoint.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// BMC talks to a machine's baseboard management controller (Redfish or
// vendor equivalent). All mutating calls are check-before-act: they report
// whether anything was actually changed, so that a handler re-invoked
// after a crash does not duplicate effects.
type BMC interface {
	PowerState(ctx context.Context, endpoint string) (PowerState, error)
	// EnsurePowerOn powers the machine on if it is not already on.
	EnsurePowerOn(ctx context.Context, endpoint string) (changed bool, err error)
	// EnsurePowerOff powers the machine off if it is not already off.
	EnsurePowerOff(ctx context.Context, endpoint string) (changed bool, err error)
	// EnsureBootOrder sets the boot target (e.g. pxe, disk) if it differs.
	EnsureBootOrder(ctx context.Context, endpoint, target string) (changed bool, err error)
}

// Fabric talks to the network fabric controller: Ethernet segments (VNIs,
// VLANs) and InfiniBand partitions (pkeys).
type Fabric interface {
	EnsureSegment(ctx context.Context, segmentID string, vni int) (changed bool, err error)
	RemoveSegment(ctx context.Context, segmentID string) (changed bool, err error)
	// AllocatedIPs reports addresses still allocated on a segment; a
	// segment cannot be torn down until this drains to zero.
	AllocatedIPs(ctx context.Context, segmentID string) (int, error)
	EnsurePartition(ctx context.Context, partitionID string, pkey int) (changed bool, err error)
	RemovePartition(ctx context.Context, partitionID string) (changed bool, err error)
}

// DHCP manages address reservations for machine and BMC interfaces.
type DHCP interface {
	EnsureReservation(ctx context.Context, mac, ip string) (changed bool, err error)
	ReleaseReservation(ctx context.Context, mac string) (changed bool, err error)
}

// DNS manages forward records for provisioned machines.
type DNS interface {
	EnsureRecord(ctx context.Context, fqdn, ip string) (changed bool, err error)
	RemoveRecord(ctx context.Context, fqdn string) (changed bool, err error)
}

// Attestation verifies measured-boot evidence against reference values.
type Attestation interface {
	Verify(ctx context.Context, quote []byte) (ok bool, err error)
}

// Set bundles every external collaborator a state handler may need. The
// controller injects it on each invocation; handlers never construct
// clients themselves.
type Set struct {
	BMC         BMC
	Fabric      Fabric
	DHCP        DHCP
	DNS         DNS
	Attestation Attestation
}
