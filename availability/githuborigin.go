package availability

import (
	"regexp"

	git "gopkg.in/src-d/go-git.v4"
)

// githubRemoteRE matches an origin remote URL pointing at GitHub, in
// either https or ssh form, with an optional trailing ".git".
var githubRemoteRE = regexp.MustCompile(`^(?:https://github\.com/|git@github\.com:)([^/]+)/([^/]+?)(?:\.git)?$`)

// githubOrigin resolves a checked-out folder back to its tracked
// GitHub author/project identity by reading the local, already-cloned
// repository's "origin" remote URL. No network access: the folder is
// opened in place, never cloned or fetched.
func githubOrigin(localFolder string) (author, project string, ok bool) {
	repo, err := git.PlainOpen(localFolder)
	if err != nil {
		return "", "", false
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", "", false
	}
	cfg := remote.Config()
	for _, u := range cfg.URLs {
		if m := githubRemoteRE.FindStringSubmatch(u); m != nil {
			return m[1], m[2], true
		}
	}
	return "", "", false
}
