package loadable

import "errors"

// Status is the load state of an asynchronously fetched value.
type Status uint8

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrUnknown is used when an Error state is built without a cause.
var ErrUnknown = errors.New("unknown load error")

// Loadable wraps a value with its load state.
//
//	Idle                      never fetched, never carries data
//	Pending(optional stale)   fetch in flight
//	Success(value)            fetched, always carries data
//	Error(optional stale, e)  fetch failed
//
// The zero value is Idle.
type Loadable[T any] struct {
	status  Status
	data    T
	hasData bool
	err     error
}

// Idle returns a value that has never been fetched.
func Idle[T any]() Loadable[T] {
	return Loadable[T]{}
}

// Pending returns a fetch-in-flight state, optionally carrying the last known-good value.
func Pending[T any](previous ...T) Loadable[T] {
	l := Loadable[T]{status: StatusPending}
	if len(previous) > 0 {
		l.data = previous[0]
		l.hasData = true
	}
	return l
}

// Success returns a fetched value.
func Success[T any](value T) Loadable[T] {
	return Loadable[T]{status: StatusSuccess, data: value, hasData: true}
}

// Error returns a failed state, optionally carrying the last known-good value.
func Error[T any](err error, previous ...T) Loadable[T] {
	if err == nil {
		err = ErrUnknown
	}
	l := Loadable[T]{status: StatusError, err: err}
	if len(previous) > 0 {
		l.data = previous[0]
		l.hasData = true
	}
	return l
}

// Wrap builds a Loadable from a status and an optional value.
// Idle drops the value; Success without a value yields Success of the zero value.
func Wrap[T any](status Status, err error, value T, ok bool) Loadable[T] {
	switch status {
	case StatusPending:
		if ok {
			return Pending(value)
		}
		return Pending[T]()
	case StatusSuccess:
		return Success(value)
	case StatusError:
		if ok {
			return Error(err, value)
		}
		return Error[T](err)
	default:
		return Idle[T]()
	}
}

func (l Loadable[T]) Status() Status { return l.status }

// Data returns the carried value, current or stale.
func (l Loadable[T]) Data() (T, bool) {
	return l.data, l.hasData
}

// Err returns the failure cause of an Error state.
func (l Loadable[T]) Err() error { return l.err }

// Refetch moves to Pending, keeping any data.
func (l Loadable[T]) Refetch() Loadable[T] {
	if l.hasData {
		return Pending(l.data)
	}
	return Pending[T]()
}

// Resolve moves to Success with the new value.
func (l Loadable[T]) Resolve(value T) Loadable[T] {
	return Success(value)
}

// Fail moves to Error, retaining prior data.
func (l Loadable[T]) Fail(err error) Loadable[T] {
	if l.hasData {
		return Error(err, l.data)
	}
	return Error[T](err)
}

func IsIdle[T any](l Loadable[T]) bool    { return l.status == StatusIdle }
func IsPending[T any](l Loadable[T]) bool { return l.status == StatusPending }
func IsSuccess[T any](l Loadable[T]) bool { return l.status == StatusSuccess }
func IsError[T any](l Loadable[T]) bool   { return l.status == StatusError }

// Map derives a wrapped value, keeping the source status and error.
func Map[T, U any](l Loadable[T], f func(T) U) Loadable[U] {
	var zero U
	if !l.hasData {
		return Wrap(l.status, l.err, zero, false)
	}
	return Wrap(l.status, l.err, f(l.data), true)
}

// Combine folds several input states into the state a derived value must carry.
// Error beats Pending beats Idle beats Success.
func Combine(statuses ...Status) Status {
	out := StatusSuccess
	for _, s := range statuses {
		if rank(s) > rank(out) {
			out = s
		}
	}
	return out
}

func rank(s Status) int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusIdle:
		return 1
	case StatusPending:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}
