package authorization

import (
	"context"
	"errors"
)

var (
	ErrInvalidActor  = errors.New("authorization: invalid actor")
	ErrInvalidObject = errors.New("authorization: invalid object")
	ErrInvalidAction = errors.New("authorization: invalid action")
	ErrForbidden     = errors.New("authorization: forbidden")
)

// Service decides whether an actor may perform an action on an object.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}

// UserActor returns the casbin subject of an end user.
func UserActor(userID string) string {
	return "user:" + userID
}
