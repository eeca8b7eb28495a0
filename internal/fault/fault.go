// Package fault — таксономия ошибок сервиса. Каждая доменная ошибка несёт
// Kind (для ветвления в коде) и проводной статус (snake_case строка для
// {success:false, status} в ответах устройствам/CLI).
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	NotFound Kind = iota + 1
	Forbidden
	Conflict
	InvalidInput
	UpstreamUnavailable
	ProcessFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Conflict:
		return "conflict"
	case InvalidInput:
		return "invalid_input"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case ProcessFailure:
		return "process_failure"
	default:
		return "unknown"
	}
}

type Fault struct {
	Kind   Kind
	Status string // проводной статус, например "owner_not_found"
	Err    error  // опциональная причина
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %v", f.Status, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s (%s)", f.Status, f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

func New(kind Kind, status string) *Fault {
	return &Fault{Kind: kind, Status: status}
}

func Wrap(kind Kind, status string, err error) *Fault {
	return &Fault{Kind: kind, Status: status, Err: err}
}

// KindOf возвращает Kind ошибки либо 0, если это не Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// StatusOf — проводной статус для ответа. Не-Fault ошибки (обычно БД)
// считаются недоступностью хранилища.
func StatusOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Status
	}
	return "upstream_unavailable"
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
