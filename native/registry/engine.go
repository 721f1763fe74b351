package registry

import (
	"errors"
	"time"

	"vouchlend/core/events"
	"vouchlend/crypto"
	nativecommon "vouchlend/native/common"
)

var (
	errNilState = errors.New("registry engine: state not configured")
	// ErrAlreadyRegistered is returned when an address attempts to register twice.
	ErrAlreadyRegistered = errors.New("registry: already registered")
	// ErrNotRegistered is returned for operations that require a registered caller.
	ErrNotRegistered = errors.New("registry: not registered")
	// ErrNameInvalid marks names that are empty or longer than 50 bytes.
	ErrNameInvalid = errors.New("registry: invalid name")
)

const moduleName = "registry"

type engineState interface {
	UserProfile(addr crypto.Address) (*UserProfile, bool, error)
	PutUserProfile(addr crypto.Address, profile *UserProfile) error
	AppendRegisteredAddress(addr crypto.Address) error
	RegisteredAddressAt(index uint64) (crypto.Address, bool, error)
	RegisteredCount() (uint64, error)
}

// Engine is the authoritative identity directory. Registration is one-shot;
// the display name may be updated in place afterwards.
type Engine struct {
	state   engineState
	emitter events.Emitter
	guard   nativecommon.ReentrancyGuard
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine constructs a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the block timestamp source. Primarily intended for
// tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *registryEvent) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Register records the caller in the directory. Fails if the caller is
// already registered or the name is invalid.
func (e *Engine) Register(caller crypto.Address, name string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, ok, err := e.state.UserProfile(caller); err != nil {
		return err
	} else if ok {
		return ErrAlreadyRegistered
	}
	profile := &UserProfile{
		Registered:       true,
		Name:             name,
		RegistrationTime: e.now(),
	}
	if err := e.state.PutUserProfile(caller, profile); err != nil {
		return err
	}
	if err := e.state.AppendRegisteredAddress(caller); err != nil {
		return err
	}
	e.emit(newUserRegisteredEvent(caller, profile))
	return nil
}

// UpdateName replaces the caller's display name in place.
func (e *Engine) UpdateName(caller crypto.Address, newName string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidateName(newName); err != nil {
		return err
	}
	profile, ok, err := e.state.UserProfile(caller)
	if err != nil {
		return err
	}
	if !ok || !profile.Registered {
		return ErrNotRegistered
	}
	profile.Name = newName
	if err := e.state.PutUserProfile(caller, profile); err != nil {
		return err
	}
	e.emit(newUserProfileUpdatedEvent(caller, profile))
	return nil
}

// IsRegistered reports whether the address holds a registered profile.
func (e *Engine) IsRegistered(addr crypto.Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	profile, ok, err := e.state.UserProfile(addr)
	if err != nil {
		return false, err
	}
	return ok && profile.Registered, nil
}

// Profile returns the profile stored for the address.
func (e *Engine) Profile(addr crypto.Address) (*UserProfile, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	profile, ok, err := e.state.UserProfile(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	return profile.Clone(), nil
}

// RegisteredAtIndex returns the address registered at the given ordinal.
func (e *Engine) RegisteredAtIndex(index uint64) (crypto.Address, error) {
	if e == nil || e.state == nil {
		return crypto.Address{}, errNilState
	}
	addr, ok, err := e.state.RegisteredAddressAt(index)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok {
		return crypto.Address{}, ErrNotRegistered
	}
	return addr, nil
}

// TotalRegistered returns the number of registered addresses.
func (e *Engine) TotalRegistered() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.RegisteredCount()
}
