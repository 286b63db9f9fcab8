//go:build integration
// +build integration

package integration

import (
	"os"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/stash-hq/go-stashutils/stashapi"
)

var logger = log.NewLogger()

func newTestClient(t *testing.T) *stashapi.Client {
	baseURL := os.Getenv("STASH_API_URL")
	token := os.Getenv("STASH_ACCESS_TOKEN")
	if baseURL == "" || token == "" {
		t.Fatal("STASH_API_URL and STASH_ACCESS_TOKEN must be set for integration tests")
	}
	return stashapi.NewClient(stashapi.Config{BaseURL: baseURL, Token: token}, logger)
}

// remotePath returns a unique path under the integration test folder, so
// concurrent CI runs cannot collide.
func remotePath(name string) string {
	return "/integration-test/" + uuid.NewString() + "-" + name
}
