package connector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSudoPrefix(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		expected string
	}{
		{
			name:     "simple command",
			command:  "ls -l /tmp",
			expected: `sudo -n -E /bin/bash -c 'ls -l /tmp'`,
		},
		{
			name:     "command with single quotes",
			command:  `echo 'hello world'`,
			expected: `sudo -n -E /bin/bash -c 'echo '\''hello world'\'''`,
		},
		{
			name:     "empty command",
			command:  "",
			expected: `sudo -n -E /bin/bash -c ''`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SudoPrefix(tt.command))
		})
	}
}

func TestSudoSecretPrefix(t *testing.T) {
	got := SudoSecretPrefix("dpkg --configure -a")
	assert.Equal(t, `sudo -S -p '' -E /bin/bash -c 'dpkg --configure -a'`, got)
	// The secret itself is never part of the command line.
	assert.NotContains(t, got, "\n")
}

func TestValidateConfig(t *testing.T) {
	tempDir := t.TempDir()
	keyFilePath := filepath.Join(tempDir, "test_key.pem")
	keyContent := "test_private_key_content"
	require.NoError(t, os.WriteFile(keyFilePath, []byte(keyContent), 0600))

	tests := []struct {
		name        string
		input       Config
		expectError bool
		check       func(t *testing.T, cfg Config)
	}{
		{
			name:  "valid with password applies defaults",
			input: Config{Username: "admin", Address: "10.0.0.5", Password: "pw"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 22, cfg.Port)
				assert.Equal(t, 30*time.Second, cfg.Timeout)
			},
		},
		{
			name:  "keyfile content is loaded",
			input: Config{Username: "admin", Address: "10.0.0.5", KeyFile: keyFilePath},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, keyContent, cfg.PrivateKey)
			},
		},
		{
			name:        "missing username",
			input:       Config{Address: "10.0.0.5", Password: "pw"},
			expectError: true,
		},
		{
			name:        "missing address",
			input:       Config{Username: "admin", Password: "pw"},
			expectError: true,
		},
		{
			name:        "no auth method",
			input:       Config{Username: "admin", Address: "10.0.0.5"},
			expectError: true,
		},
		{
			name:        "unreadable keyfile",
			input:       Config{Username: "admin", Address: "10.0.0.5", KeyFile: filepath.Join(tempDir, "missing.pem")},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := validateConfig(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestEscapeShellArg(t *testing.T) {
	assert.Equal(t, `'/var/backups/pre-stig-x'`, escapeShellArg("/var/backups/pre-stig-x"))
	assert.Equal(t, `'it'\''s'`, escapeShellArg("it's"))
}
