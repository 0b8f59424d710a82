package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Hamidon94/ultra.dogwalking-sub001/credentials"
)

// fakeOp writes a script that behaves like `op read` for one reference.
func fakeOp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "op")
	script := `#!/bin/sh
if [ "$1" = "read" ] && [ "$2" = "op://walks/upstream/key" ]; then
  echo "sk-live-123"
  exit 0
fi
echo "item not found" >&2
exit 1
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestWithOnePassword_Resolves(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword(fakeOp(t)))

	creds, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"upstream_api_key": {{ op "op://walks/upstream/key" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, "sk-live-123", creds.UpstreamAPIKey)
}

func TestWithOnePassword_ErrorIncludesStderr(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword(fakeOp(t)))

	_, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"auth_token": {{ op "op://walks/missing" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
}

func TestWithOnePassword_DefaultBinary(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword(""))
	require.NotNil(t, r)
}
