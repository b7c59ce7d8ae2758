package app

import (
	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

//go:generate mockgen -source=policy.go -destination=mocks/policy_mock.go -package=mocks

// Policy decides what happens to a connection whose outbound queue is full.
type Policy interface {
	OnBackPressure(conn core.ConnID, uid domain.UserID) BackpressureAction
}

// SimplePolicy kicks slow consumers.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ConnID, domain.UserID) BackpressureAction {
	return KickMember
}
