package engine_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xpledger/crypto"
	"xpledger/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "awardd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().String()
}

func TestLoadConfigDefaults(t *testing.T) {
	body := fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabbccdd
admin:
  jwt_secret: super-secret
batch:
  name: weekly
  description: weekly awards
  targets:
    - address: %s
      amount: 25
`, testAddress(t))

	cfg, err := engine.LoadConfig(writeConfig(t, body))
	require.NoError(t, err)

	require.Equal(t, ":7425", cfg.ListenAddress)
	require.Equal(t, "awardd.journal", cfg.JournalPath)
	require.Equal(t, "awardd.db", cfg.Audit.DSN)
	require.Equal(t, ".", cfg.Audit.ExportDir)
	require.Equal(t, uint64(10), cfg.Submit.Fee)
	require.Equal(t, uint64(2), cfg.Submit.EscalationFactor)
	require.Equal(t, 3, cfg.Submit.Attempts)
	require.Equal(t, 500*time.Millisecond, cfg.Submit.Backoff.Duration)
	require.Equal(t, 5*time.Second, cfg.Poll.Interval.Duration)
	require.Equal(t, 15, cfg.Poll.Checks)
	require.Equal(t, 5, cfg.Poll.EscalatedChecks)
	require.Equal(t, 30*time.Second, cfg.Poll.Cooldown.Duration)
	require.Len(t, cfg.Batch.Targets, 1)
	require.Equal(t, "weekly awards", cfg.Batch.Targets[0].Description)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	body := fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabbccdd
admin:
  jwt_secret: super-secret
submit:
  backoff: 750ms
poll:
  interval: 2s
  cooldown: 45s
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, testAddress(t))

	cfg, err := engine.LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, 750*time.Millisecond, cfg.Submit.Backoff.Duration)
	require.Equal(t, 2*time.Second, cfg.Poll.Interval.Duration)
	require.Equal(t, 45*time.Second, cfg.Poll.Cooldown.Duration)
}

func TestLoadConfigResolvesSecrets(t *testing.T) {
	t.Setenv("XPL_TEST_NODE_TOKEN", "node-token")
	t.Setenv("XPL_TEST_SIGNER_KEY", "deadbeef")
	t.Setenv("XPL_TEST_ADMIN_SECRET", "env-secret")

	body := fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
  auth_token_env: XPL_TEST_NODE_TOKEN
signer:
  key_env: XPL_TEST_SIGNER_KEY
admin:
  jwt_secret_env: XPL_TEST_ADMIN_SECRET
  issuer: xpledger-ops
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, testAddress(t))

	cfg, err := engine.LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "node-token", cfg.Node.AuthToken)
	require.Equal(t, "deadbeef", cfg.Signer.Key)
	require.Equal(t, "env-secret", cfg.Admin.JWTSecret)
	require.Equal(t, "xpledger-ops", cfg.Admin.Issuer)
}

func TestLoadConfigReadsKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("cafebabe\n"), 0o600))

	body := fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key_file: %s
admin:
  jwt_secret: super-secret
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, keyPath, testAddress(t))

	cfg, err := engine.LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "cafebabe", cfg.Signer.Key)
}

func TestLoadConfigRejectsInvalidInput(t *testing.T) {
	address := testAddress(t)
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "missing endpoint",
			body: fmt.Sprintf(`
signer:
  key: aabb
admin:
  jwt_secret: s
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, address),
			wantErr: "node endpoint",
		},
		{
			name: "missing signer key",
			body: `
node:
  endpoint: http://127.0.0.1:8545
admin:
  jwt_secret: s
batch:
  name: weekly
`,
			wantErr: "key is required",
		},
		{
			name: "missing admin secret",
			body: fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabb
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, address),
			wantErr: "jwt secret",
		},
		{
			name: "escalation factor too small",
			body: fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabb
admin:
  jwt_secret: s
submit:
  escalation_factor: 1
batch:
  name: weekly
  targets:
    - address: %s
      amount: 5
`, address),
			wantErr: "escalation_factor",
		},
		{
			name: "bad target address",
			body: `
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabb
admin:
  jwt_secret: s
batch:
  name: weekly
  targets:
    - address: not-an-address
      amount: 5
`,
			wantErr: "target 0",
		},
		{
			name: "zero amount",
			body: fmt.Sprintf(`
node:
  endpoint: http://127.0.0.1:8545
signer:
  key: aabb
admin:
  jwt_secret: s
batch:
  name: weekly
  targets:
    - address: %s
      amount: 0
`, address),
			wantErr: "amount must be positive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.LoadConfig(writeConfig(t, tc.body))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
