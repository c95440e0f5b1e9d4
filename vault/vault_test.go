package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RequireObtainsOnce(t *testing.T) {
	provider := StaticProvider{"SSH password: ": "s3cret"}
	v := New(provider)

	require.NoError(t, v.Require(RefAuth, "SSH password: "))

	got, err := v.Reveal(RefAuth)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	// Already stored: does not consult the provider again, even with a
	// prompt the provider does not know.
	require.NoError(t, v.Require(RefAuth, "some other prompt"))
}

func TestVault_RequireErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider SecretProvider
		wantErr  string
	}{
		{
			name:     "no provider",
			provider: nil,
			wantErr:  "no provider configured",
		},
		{
			name:     "unknown prompt",
			provider: StaticProvider{},
			wantErr:  "failed to obtain secret",
		},
		{
			name:     "empty value",
			provider: StaticProvider{"p": ""},
			wantErr:  "empty secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.provider)
			err := v.Require(RefElevation, "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVault_RevealMissing(t *testing.T) {
	v := New(nil)
	_, err := v.Reveal(RefElevation)
	require.Error(t, err)
}

func TestVault_Scrub(t *testing.T) {
	v := New(nil)
	v.Store(RefAuth, "hunter2")
	v.Store(RefElevation, "sudopw")

	in := "[sudo] password for admin: hunter2\nusing sudopw now"
	out := v.Scrub(in)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sudopw")
	assert.Contains(t, out, "******")

	// Text without secrets passes through untouched.
	assert.Equal(t, "plain output", v.Scrub("plain output"))
}

func TestVault_Wipe(t *testing.T) {
	v := New(nil)
	v.Store(RefAuth, "x")
	v.Wipe()
	_, err := v.Reveal(RefAuth)
	require.Error(t, err)
}
