// Package pidreg implements the per-port parameter-data registry: a
// (sub_device, pid) -> Record map backing GET/SET dispatch,
// alias/volatility bookkeeping, and the raw bytes the driver writes to
// its store after a successful non-volatile SET.
package pidreg

import (
	"fmt"
	"sync"

	"github.com/dmxrdm/rdmdrv/rdmwire"
)

// Callback lets application code intercept a GET/SET before the default
// storage-backed behavior runs. It returns the response PD, a NACK
// reason (only meaningful when handled is true or err is non-nil), and
// whether it handled the request at all; if handled is false and err is
// nil, the registry falls through to reading/writing the record's
// backing storage.
type Callback func(cc rdmwire.CommandClass, pd []byte) (respPD []byte, reason NackReason, handled bool, err error)

// Key identifies a parameter record by sub-device and PID.
type Key struct {
	SubDevice uint16
	PID       uint16
}

// Record holds everything the registry and dispatch path need to answer
// GET/SET for one PID on one sub-device.
type Record struct {
	PID          uint16
	AllocSize    int
	SupportedGet bool
	SupportedSet bool
	EncodeFormat rdmwire.Format // layout of a GET response; Get does not re-encode through it
	DecodeFormat rdmwire.Format // used to parse a SET request's PD
	Description  string
	Volatile     bool
	Callback     Callback

	// MinValue/MaxValue bound the first decoded field of a SET when the
	// parameter is numeric. Both zero disables the check.
	MinValue uint64
	MaxValue uint64

	mu       sync.Mutex
	storage  []byte
	defaults []byte // first SetStorage snapshot, restored by factory reset
	alias    *Record // when non-nil, storage is delegated to alias
}

// Registry maps (sub-device, PID) to Records for one driver port.
type Registry struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[Key]*Record)}
}

// Register adds rec for (subDevice, pid). It is never removed except by
// the owning driver's Uninstall.
func (r *Registry) Register(subDevice, pid uint16, rec *Record) {
	rec.PID = pid
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[Key{subDevice, pid}] = rec
}

// RegisterAlias registers pid on subDevice as sharing storage with an
// already-registered record: reads and writes are delegated to target's
// backing bytes.
func (r *Registry) RegisterAlias(subDevice, pid uint16, target *Record) {
	alias := &Record{
		PID:          pid,
		AllocSize:    target.AllocSize,
		SupportedGet: target.SupportedGet,
		SupportedSet: target.SupportedSet,
		EncodeFormat: target.EncodeFormat,
		DecodeFormat: target.DecodeFormat,
		Description:  target.Description,
		Volatile:     target.Volatile,
		alias:        target,
	}
	r.Register(subDevice, pid, alias)
}

// Lookup finds the record for (subDevice, pid), or nil if unregistered
// (the caller answers an unregistered PID with NACK UNKNOWN_PID).
func (r *Registry) Lookup(subDevice, pid uint16) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[Key{subDevice, pid}]
}

// Keys returns every registered (sub-device, PID) pair, in no particular
// order. Used to restore persisted values at install time.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.records))
	for k := range r.records {
		out = append(out, k)
	}
	return out
}

// Supported returns the distinct PIDs registered on subDevice, used to
// answer SUPPORTED_PARAMETERS.
func (r *Registry) Supported(subDevice uint16) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint16
	for k := range r.records {
		if k.SubDevice == subDevice {
			out = append(out, k.PID)
		}
	}
	return out
}

func numericValue(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}

func (rec *Record) target() *Record {
	if rec.alias != nil {
		return rec.alias
	}
	return rec
}

// SetStorage installs the initial raw bytes backing rec (typically its
// PID's default value). The first call also snapshots the bytes as the
// record's factory default.
func (rec *Record) SetStorage(raw []byte) {
	t := rec.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storage = append([]byte(nil), raw...)
	if t.defaults == nil {
		t.defaults = append([]byte(nil), raw...)
	}
}

// ResetToDefault restores the factory-default bytes snapshotted by the
// first SetStorage. Reports whether a default existed.
func (rec *Record) ResetToDefault() bool {
	t := rec.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.defaults == nil {
		return false
	}
	t.storage = append([]byte(nil), t.defaults...)
	return true
}

// IsDefault reports whether the current bytes match the factory default.
func (rec *Record) IsDefault() bool {
	t := rec.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.defaults == nil {
		return true
	}
	if len(t.storage) != len(t.defaults) {
		return false
	}
	for i := range t.storage {
		if t.storage[i] != t.defaults[i] {
			return false
		}
	}
	return true
}

// Raw returns a copy of the record's current backing bytes, used by the
// driver to persist a non-volatile parameter through its Store.
func (rec *Record) Raw() []byte {
	t := rec.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.storage...)
}

// Get produces the PD bytes for a GET response: the callback if present,
// else a copy of the backing storage (the alias target's for an alias),
// returned as stored without decoding or re-encoding.
func (rec *Record) Get() ([]byte, NackReason, error) {
	if rec.Callback != nil {
		pd, reason, handled, err := rec.Callback(rdmwire.CCGetCommand, nil)
		if handled || err != nil {
			return pd, reason, err
		}
	}
	t := rec.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.storage...), 0, nil
}

// Set parses pd with DecodeFormat (validating its shape), stores the
// result, and returns nil on success or a NACK reason/error.
func (rec *Record) Set(pd []byte) (NackReason, error) {
	if rec.Callback != nil {
		_, reason, handled, err := rec.Callback(rdmwire.CCSetCommand, pd)
		if handled || err != nil {
			return reason, err
		}
	}
	vals, err := rec.DecodeFormat.Decode(pd)
	if err != nil {
		return NackDataOutOfRange, fmt.Errorf("pidreg: SET for PID 0x%04x: %w", rec.PID, err)
	}
	if (rec.MinValue != 0 || rec.MaxValue != 0) && len(vals) > 0 {
		if n, ok := numericValue(vals[0]); ok && (n < rec.MinValue || n > rec.MaxValue) {
			return NackDataOutOfRange, nil
		}
	}
	t := rec.target()
	t.mu.Lock()
	t.storage = append([]byte(nil), pd...)
	t.mu.Unlock()
	return 0, nil
}
