package version

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	runtime "runtime/debug"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/s0up4200/btclient-go/internal/request"
)

var (
	Version string
	Commit  string
	Date    string
	BuiltBy string
)

// releaseURL is the GitHub latest-release endpoint, formatted with org and repo
var releaseURL = "https://api.github.com/repos/%s/%s/releases/latest"

func init() {
	if Version == "" {
		Version = getVersion()
	}
	if Commit == "" {
		Commit = getCommit()
	}
	if Date == "" {
		Date = getBuildDate()
	}
	if BuiltBy == "" {
		BuiltBy = getBuiltBy()
	}
}

func getVersion() string {
	if info, ok := runtime.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func getCommit() string {
	if info, ok := runtime.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) >= 7 {
					return setting.Value[:7]
				}
				return setting.Value
			}
		}
	}
	return "none"
}

func getBuildDate() string {
	if info, ok := runtime.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.time" {
				return setting.Value
			}
		}
	}
	return "unknown"
}

func getBuiltBy() string {
	if info, ok := runtime.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.username" {
				return setting.Value
			}
		}
	}

	output, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err == nil && len(output) > 0 {
		return strings.TrimSpace(string(output))
	}

	return "unknown"
}

type Release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// Version returns the tag without its v prefix
func (r *Release) Version() string {
	return strings.TrimPrefix(r.TagName, "v")
}

// IsNewer reports whether latest is a higher semantic version than current
func IsNewer(current, latest string) (bool, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}
	lat, err := semver.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("invalid latest version %q: %w", latest, err)
	}
	return lat.GreaterThan(cur), nil
}

// LatestRelease fetches the latest published release of org/repo
func LatestRelease(ctx context.Context, org, repo string) (*Release, error) {
	rc := request.New(
		request.WithTimeout(10*time.Second),
		request.WithHeaders(map[string]string{
			"Accept":     "application/vnd.github.v3+json",
			"User-Agent": fmt.Sprintf("%s/%s", repo, Version),
		}),
	)

	data, err := rc.Get(ctx, fmt.Sprintf(releaseURL, org, repo))
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}

	var release Release
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("failed to parse GitHub response: %w", err)
	}
	return &release, nil
}

// CheckForUpdates logs the build info and whether a newer release exists.
// Lookup failures are logged, not returned.
func CheckForUpdates(ctx context.Context, org, repo string) error {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("buildDate", Date).
		Str("builtBy", BuiltBy).
		Msg("btclient version info")

	release, err := LatestRelease(ctx, org, repo)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check for updates")
		return nil
	}

	latest := release.Version()

	if Version == "dev" {
		log.Info().
			Str("latestRelease", latest).
			Time("publishedAt", release.PublishedAt).
			Msg("running development version")
		return nil
	}

	newer, err := IsNewer(Version, latest)
	if err != nil {
		log.Warn().Err(err).Msg("could not compare versions")
		return nil
	}

	if newer {
		log.Info().
			Str("current", Version).
			Str("latest", latest).
			Time("publishedAt", release.PublishedAt).
			Str("updateUrl", release.HTMLURL).
			Msg("update available")
	} else {
		log.Info().
			Time("publishedAt", release.PublishedAt).
			Msg("you are running the latest version")
	}

	return nil
}
