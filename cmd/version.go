package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/nulzo/model-gateway/internal/cli"
)

// AppVersion is stamped at build time with -ldflags "-X".
var AppVersion = "v0.0.0"

const releasesURL = "https://api.github.com/repos/nulzo/model-gateway/releases/latest"

type GitHubRelease struct {
	TagName string `json:"tag_name"`
}

// Outdated reports whether latest is newer than current. Unparseable
// versions are never outdated.
func Outdated(current, latest string) bool {
	c, err := version.NewVersion(current)
	if err != nil {
		return false
	}
	l, err := version.NewVersion(latest)
	if err != nil {
		return false
	}
	return c.LessThan(l)
}

// CheckForUpdates prints a notice when a newer release is published.
// Network failures are ignored.
func CheckForUpdates(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releasesURL, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return
	}

	if Outdated(AppVersion, release.TagName) {
		fmt.Println("---------------------------------------------------------")
		fmt.Printf("%s  You are running an outdated version (%s).\n", cli.WarningSign(), AppVersion)
		fmt.Printf("   The latest version is %s.\n", cli.Stylize(release.TagName, cli.Green))
		fmt.Println("---------------------------------------------------------")
	}
}
