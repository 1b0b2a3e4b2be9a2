package repo

import "errors"

var (
	ErrNoRepoForPath    = errors.New("no repository configured for path")
	ErrRemoteNotFound   = errors.New("file or directory not found on remote repository")
	ErrNotFreezable     = errors.New("repository is not freezable")
	ErrPathOutsideRepos = errors.New("path is outside every repository root")
)
