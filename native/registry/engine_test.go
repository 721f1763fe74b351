package registry

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"vouchlend/core/events"
	"vouchlend/crypto"
)

type mockState struct {
	profiles map[crypto.Address]*UserProfile
	ordered  []crypto.Address
}

func newMockState() *mockState {
	return &mockState{profiles: make(map[crypto.Address]*UserProfile)}
}

func (m *mockState) UserProfile(addr crypto.Address) (*UserProfile, bool, error) {
	profile, ok := m.profiles[addr]
	if !ok {
		return nil, false, nil
	}
	return profile.Clone(), true, nil
}

func (m *mockState) PutUserProfile(addr crypto.Address, profile *UserProfile) error {
	m.profiles[addr] = profile.Clone()
	return nil
}

func (m *mockState) AppendRegisteredAddress(addr crypto.Address) error {
	m.ordered = append(m.ordered, addr)
	return nil
}

func (m *mockState) RegisteredAddressAt(index uint64) (crypto.Address, bool, error) {
	if index >= uint64(len(m.ordered)) {
		return crypto.Address{}, false, nil
	}
	return m.ordered[index], true, nil
}

func (m *mockState) RegisteredCount() (uint64, error) {
	return uint64(len(m.ordered)), nil
}

func newTestAddress(fill byte) crypto.Address {
	var addr crypto.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *events.Recorder) {
	t.Helper()
	state := newMockState()
	recorder := events.NewRecorder()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, recorder
}

func TestRegisterStoresProfile(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	alice := newTestAddress(0x01)

	if err := engine.Register(alice, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	profile, err := engine.Profile(alice)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !profile.Registered || profile.Name != "alice" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.RegistrationTime != 1_700_000_000 {
		t.Fatalf("unexpected registration time: %d", profile.RegistrationTime)
	}

	ok, err := engine.IsRegistered(alice)
	if err != nil || !ok {
		t.Fatalf("expected registered, ok=%v err=%v", ok, err)
	}

	evts := recorder.Events()
	if len(evts) != 1 || evts[0].Type != EventTypeUserRegistered {
		t.Fatalf("unexpected events: %+v", evts)
	}
	if evts[0].Attributes["user"] != alice.Hex() {
		t.Fatalf("unexpected user attribute: %s", evts[0].Attributes["user"])
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alice := newTestAddress(0x01)

	if err := engine.Register(alice, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.Register(alice, "alice-two"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterValidatesName(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alice := newTestAddress(0x01)

	if err := engine.Register(alice, ""); !errors.Is(err, ErrNameInvalid) {
		t.Fatalf("expected ErrNameInvalid for empty name, got %v", err)
	}
	if err := engine.Register(alice, strings.Repeat("a", MaxNameLength+1)); !errors.Is(err, ErrNameInvalid) {
		t.Fatalf("expected ErrNameInvalid for long name, got %v", err)
	}
	if err := engine.Register(alice, strings.Repeat("a", MaxNameLength)); err != nil {
		t.Fatalf("expected max-length name to pass, got %v", err)
	}
}

func TestUpdateName(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := engine.UpdateName(bob, "bob"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	if err := engine.Register(alice, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.UpdateName(alice, "alice-renamed"); err != nil {
		t.Fatalf("update name: %v", err)
	}
	profile, err := engine.Profile(alice)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Name != "alice-renamed" {
		t.Fatalf("name not updated: %s", profile.Name)
	}

	evts := recorder.Events()
	if len(evts) != 2 || evts[1].Type != EventTypeUserProfileUpdated {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestRegistryOrdering(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)

	if err := engine.Register(alice, "alice"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := engine.Register(bob, "bob"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	total, err := engine.TotalRegistered()
	if err != nil || total != 2 {
		t.Fatalf("expected 2 registered, got %d err=%v", total, err)
	}
	first, err := engine.RegisteredAtIndex(0)
	if err != nil || first != alice {
		t.Fatalf("unexpected first address: %v err=%v", first, err)
	}
	second, err := engine.RegisteredAtIndex(1)
	if err != nil || second != bob {
		t.Fatalf("unexpected second address: %v err=%v", second, err)
	}
	if _, err := engine.RegisteredAtIndex(2); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered for out of range index, got %v", err)
	}
}
