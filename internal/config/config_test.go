package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  mongodb:
    uri: mongodb://localhost:27017
archive:
  trigraph: SIC
delivery:
  address: ftp.prefecture.fr:21
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stela", cfg.Storage.MongoDB.Database)
	assert.Equal(t, "payloads", cfg.Storage.MongoDB.GridFS.BucketName)
	assert.Equal(t, 261120, cfg.Storage.MongoDB.GridFS.ChunkSizeBytes)
	assert.Equal(t, int64(150<<20), cfg.Archive.MaxSize)
	assert.Equal(t, 3, cfg.Archive.MaxRetries)
	assert.Equal(t, "tcp://localhost:3310", cfg.Antivirus.Address)
	assert.Equal(t, 3, cfg.Circuit.DaysToValidated)
	assert.Equal(t, "stela.documents", cfg.Events.Exchange)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db.internal:27017")

	path := writeConfig(t, `
storage:
  mongodb:
    uri: ${TEST_MONGO_URI}
archive:
  trigraph: SIC
delivery:
  address: ftp.prefecture.fr:21
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.MongoDB.URI)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing mongodb uri",
			content: `
archive:
  trigraph: SIC
delivery:
  address: ftp.prefecture.fr:21
`,
			wantErr: "storage.mongodb.uri is required",
		},
		{
			name: "missing trigraph",
			content: `
storage:
  mongodb:
    uri: mongodb://localhost:27017
delivery:
  address: ftp.prefecture.fr:21
`,
			wantErr: "archive.trigraph is required",
		},
		{
			name: "trigraph wrong length",
			content: `
storage:
  mongodb:
    uri: mongodb://localhost:27017
archive:
  trigraph: STELA
delivery:
  address: ftp.prefecture.fr:21
`,
			wantErr: "exactly 3 characters",
		},
		{
			name: "missing delivery address",
			content: `
storage:
  mongodb:
    uri: mongodb://localhost:27017
archive:
  trigraph: SIC
`,
			wantErr: "delivery.address is required",
		},
		{
			name: "conflicting trust settings",
			content: `
storage:
  mongodb:
    uri: mongodb://localhost:27017
archive:
  trigraph: SIC
delivery:
  address: ftp.prefecture.fr:21
signature:
  trustBundle: /etc/stela/roots.pem
  pdpEndpoint: https://pdp.internal
`,
			wantErr: "mutually exclusive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
