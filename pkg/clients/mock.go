package clients

import (
	"context"
	"sync"
)

// MockSet returns a Set backed entirely by in-memory mocks.
func MockSet() (Set, *MockBMC, *MockFabric, *MockDHCP, *MockDNS, *MockAttestation) {
	bmc := NewMockBMC()
	fabric := NewMockFabric()
	dhcp := NewMockDHCP()
	dns := NewMockDNS()
	att := NewMockAttestation()
	return Set{BMC: bmc, Fabric: fabric, DHCP: dhcp, DNS: dns, Attestation: att},
		bmc, fabric, dhcp, dns, att
}

// MockBMC is an in-memory BMC that records every mutating call. Tests use
// the counters to prove that re-invoking a handler from the same state
// does not duplicate side effects.
type MockBMC struct {
	mu         sync.Mutex
	power      map[string]PowerState
	bootOrder  map[string]string
	PowerOps   int // mutating power changes actually applied
	BootOps    int // boot order changes actually applied
	FailWith   error
}

func NewMockBMC() *MockBMC {
	return &MockBMC{
		power:     make(map[string]PowerState),
		bootOrder: make(map[string]string),
	}
}

// SetPower seeds the observed power state of an endpoint.
func (m *MockBMC) SetPower(endpoint string, state PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power[endpoint] = state
}

func (m *MockBMC) PowerState(_ context.Context, endpoint string) (PowerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return PowerUnknown, m.FailWith
	}
	if s, ok := m.power[endpoint]; ok {
		return s, nil
	}
	return PowerOff, nil
}

func (m *MockBMC) EnsurePowerOn(_ context.Context, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if m.power[endpoint] == PowerOn {
		return false, nil
	}
	m.power[endpoint] = PowerOn
	m.PowerOps++
	return true, nil
}

func (m *MockBMC) EnsurePowerOff(_ context.Context, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if s, ok := m.power[endpoint]; ok && s == PowerOff {
		return false, nil
	}
	if _, ok := m.power[endpoint]; !ok {
		// unseeded endpoints are off
		m.power[endpoint] = PowerOff
		return false, nil
	}
	m.power[endpoint] = PowerOff
	m.PowerOps++
	return true, nil
}

func (m *MockBMC) EnsureBootOrder(_ context.Context, endpoint, target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if m.bootOrder[endpoint] == target {
		return false, nil
	}
	m.bootOrder[endpoint] = target
	m.BootOps++
	return true, nil
}

// MockFabric is an in-memory fabric controller.
type MockFabric struct {
	mu         sync.Mutex
	segments   map[string]int
	partitions map[string]int
	allocated  map[string]int
	SegmentOps int
	FailWith   error
}

func NewMockFabric() *MockFabric {
	return &MockFabric{
		segments:   make(map[string]int),
		partitions: make(map[string]int),
		allocated:  make(map[string]int),
	}
}

// SetAllocatedIPs seeds the allocation count drained during segment teardown.
func (m *MockFabric) SetAllocatedIPs(segmentID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated[segmentID] = n
}

func (m *MockFabric) EnsureSegment(_ context.Context, segmentID string, vni int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if existing, ok := m.segments[segmentID]; ok && existing == vni {
		return false, nil
	}
	m.segments[segmentID] = vni
	m.SegmentOps++
	return true, nil
}

func (m *MockFabric) RemoveSegment(_ context.Context, segmentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.segments[segmentID]; !ok {
		return false, nil
	}
	delete(m.segments, segmentID)
	m.SegmentOps++
	return true, nil
}

func (m *MockFabric) AllocatedIPs(_ context.Context, segmentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	return m.allocated[segmentID], nil
}

func (m *MockFabric) EnsurePartition(_ context.Context, partitionID string, pkey int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if existing, ok := m.partitions[partitionID]; ok && existing == pkey {
		return false, nil
	}
	m.partitions[partitionID] = pkey
	return true, nil
}

func (m *MockFabric) RemovePartition(_ context.Context, partitionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.partitions[partitionID]; !ok {
		return false, nil
	}
	delete(m.partitions, partitionID)
	return true, nil
}

// MockDHCP is an in-memory reservation table.
type MockDHCP struct {
	mu           sync.Mutex
	reservations map[string]string
	WriteOps     int
	FailWith     error
}

func NewMockDHCP() *MockDHCP {
	return &MockDHCP{reservations: make(map[string]string)}
}

func (m *MockDHCP) EnsureReservation(_ context.Context, mac, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if m.reservations[mac] == ip {
		return false, nil
	}
	m.reservations[mac] = ip
	m.WriteOps++
	return true, nil
}

func (m *MockDHCP) ReleaseReservation(_ context.Context, mac string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.reservations[mac]; !ok {
		return false, nil
	}
	delete(m.reservations, mac)
	m.WriteOps++
	return true, nil
}

// MockDNS is an in-memory record table.
type MockDNS struct {
	mu       sync.Mutex
	records  map[string]string
	WriteOps int
	FailWith error
}

func NewMockDNS() *MockDNS {
	return &MockDNS{records: make(map[string]string)}
}

func (m *MockDNS) EnsureRecord(_ context.Context, fqdn, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if m.records[fqdn] == ip {
		return false, nil
	}
	m.records[fqdn] = ip
	m.WriteOps++
	return true, nil
}

func (m *MockDNS) RemoveRecord(_ context.Context, fqdn string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.records[fqdn]; !ok {
		return false, nil
	}
	delete(m.records, fqdn)
	m.WriteOps++
	return true, nil
}

// MockAttestation verifies quotes against a fixed verdict.
type MockAttestation struct {
	mu       sync.Mutex
	Verdict  bool
	Calls    int
	FailWith error
}

func NewMockAttestation() *MockAttestation {
	return &MockAttestation{Verdict: true}
}

func (m *MockAttestation) Verify(_ context.Context, _ []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	m.Calls++
	return m.Verdict, nil
}
