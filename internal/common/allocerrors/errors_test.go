package allocerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchThroughWrapping(t *testing.T) {
	err := errors.WithMessage(
		&ErrNotFound{Type: "framework", Value: "f1"},
		"handling refusal",
	)
	var notFound *ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, "framework", notFound.Type)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		`agent "a1" is not registered`,
		(&ErrNotFound{Type: "agent", Value: "a1"}).Error())
	assert.Equal(t,
		`framework "f1" is already registered; re-registration must use a new id`,
		(&ErrAlreadyExists{Type: "framework", Value: "f1", Message: "re-registration must use a new id"}).Error())
	assert.Equal(t,
		`value "-1" is invalid for field "refuseSeconds"; must be non-negative`,
		(&ErrInvalidArgument{Name: "refuseSeconds", Value: "-1", Message: "must be non-negative"}).Error())
}
