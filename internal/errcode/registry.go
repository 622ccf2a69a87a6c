package errcode

import (
	"errors"
	"fmt"
	"sync"

	"PerpVault/internal/ledger"
)

// Error is a vault validation failure. Two errors match under errors.Is
// when their codes are equal, regardless of message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// E returns a message-less error for matching with errors.Is.
func E(code Code) *Error {
	return &Error{Code: code}
}

// CodeOf extracts the code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Registry maps codes to messages. Only the controller may change messages.
type Registry struct {
	mu         sync.RWMutex
	controller ledger.Address
	messages   map[Code]string
}

// NewRegistry returns a registry preloaded with the default messages.
func NewRegistry(controller ledger.Address) *Registry {
	msgs := make(map[Code]string, len(defaultMessages))
	for c, m := range defaultMessages {
		msgs[c] = m
	}
	return &Registry{controller: controller, messages: msgs}
}

func (r *Registry) Controller() ledger.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// SetController replaces the controller. The caller is responsible for
// authorising the change.
func (r *Registry) SetController(controller ledger.Address) {
	r.mu.Lock()
	r.controller = controller
	r.mu.Unlock()
}

// SetError updates the message for code.
func (r *Registry) SetError(caller ledger.Address, code Code, message string) error {
	return r.SetErrors(caller, map[Code]string{code: message})
}

// SetErrors updates several messages at once.
func (r *Registry) SetErrors(caller ledger.Address, messages map[Code]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.controller {
		return &Error{Code: ControllerForbidden, Message: r.messages[ControllerForbidden]}
	}
	for c, m := range messages {
		r.messages[c] = m
	}
	return nil
}

// Message returns the message for code.
func (r *Registry) Message(code Code) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.messages[code]; ok {
		return m
	}
	return fmt.Sprintf("Vault: error %d", code)
}

// New builds an error carrying the current message for code.
func (r *Registry) New(code Code) *Error {
	return &Error{Code: code, Message: r.Message(code)}
}

// Check returns an error for code when cond is false.
func (r *Registry) Check(cond bool, code Code) error {
	if cond {
		return nil
	}
	return r.New(code)
}
