package bouncererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindUserConfig, CodeServerNotFound, "server \"x\" not found")
	assert.Equal(t, `user_config: server "x" not found`, err.Error())

	wrapped := Wrap(KindUpstream, "", "handshake failed", errors.New("eof"))
	assert.Equal(t, "upstream: handshake failed: eof", wrapped.Error())
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("root cause")
	err := fmt.Errorf("outer: %w", Wrap(KindInfrastructure, "", "db open", cause))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindInfrastructure, be.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := ServerNotFound("x")
	assert.True(t, IsKind(err, KindUserConfig))
	assert.False(t, IsKind(err, KindUpstream))
	assert.False(t, IsKind(errors.New("plain"), KindUserConfig))
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, CodeDuplicateName, DuplicateName("x").Code)
	assert.Equal(t, CodeServerNotFound, ServerNotFound("x").Code)
	assert.Equal(t, "multiple enabled servers; specify 'server::tool'", MultipleEnabledServers().Message)
}
