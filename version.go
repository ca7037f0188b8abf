// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llmcouncil provides version information for the LLM Council service.
package llmcouncil

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Version information
const (
	Version = "0.7.0"
	RepoURL = "https://github.com/kadirpekel/llmcouncil"
)

// Info contains version information
type Info struct {
	Version        string `json:"version"`
	GitCommit      string `json:"git_commit"`
	GitCommitShort string `json:"git_commit_short"`
	BuildTime      string `json:"build_time"`
	GoVersion      string `json:"go_version"`
	Platform       string `json:"platform"`
	RepoURL        string `json:"repo_url"`
	CommitURL      string `json:"commit_url,omitempty"`
	ReleaseURL     string `json:"release_url,omitempty"`
}

// localCommit runs the git lookup once; the GIT_COMMIT env var path stays
// uncached so container builds that inject it are picked up on every call.
var localCommit = sync.OnceValue(func() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	if commit := strings.TrimSpace(string(out)); commit != "" {
		return commit
	}
	return "unknown"
})

// GetVersion returns version information
func GetVersion() Info {
	version := Version
	if v := os.Getenv("APP_VERSION"); v != "" {
		version = v
	}

	commit := gitCommit()
	short := "unknown"
	if commit != "unknown" && len(commit) >= 7 {
		short = commit[:7]
	}

	info := Info{
		Version:        version,
		GitCommit:      commit,
		GitCommitShort: short,
		BuildTime:      buildTime(),
		GoVersion:      runtime.Version(),
		Platform:       fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		RepoURL:        RepoURL,
	}
	if commit != "unknown" {
		info.CommitURL = fmt.Sprintf("%s/commit/%s", RepoURL, commit)
	}
	if version != "dev" {
		info.ReleaseURL = fmt.Sprintf("%s/releases/tag/v%s", RepoURL, version)
	}
	return info
}

func gitCommit() string {
	if c := os.Getenv("GIT_COMMIT"); c != "" && c != "unknown" {
		return c
	}
	return localCommit()
}

func buildTime() string {
	if t := os.Getenv("BUILD_TIME"); t != "" {
		return t
	}
	return "unknown"
}

// String returns a formatted version string
func (i Info) String() string {
	return fmt.Sprintf("LLM Council %s (commit %s, built %s, %s %s)",
		i.Version, i.GitCommitShort, i.BuildTime, i.GoVersion, i.Platform)
}
