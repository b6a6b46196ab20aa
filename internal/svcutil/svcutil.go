// Package svcutil adapts plain functions to suture.Service, the same role
// lib/suturewrap plays in the teacher repo, updated for the v4 Serve(ctx)
// error contract used throughout lib/api and cmd/syncthing/discosrv.
package svcutil

import "context"

// Func is anything that runs until ctx is canceled and then returns.
type Func func(ctx context.Context) error

type funcService struct {
	fn   Func
	name string
}

// AsService wraps fn as a suture.Service named name, for supervisors that
// want every child to be a consistent type regardless of what it wraps.
func AsService(fn Func, name string) *funcService {
	return &funcService{fn: fn, name: name}
}

func (s *funcService) Serve(ctx context.Context) error {
	return s.fn(ctx)
}

func (s *funcService) String() string {
	return s.name
}
